package internal

import (
	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/middleware"
)

var withApp = middleware.UseMiddlewareChain(middleware.LoadConfig, middleware.BuildApp)

var defaultCommands = []middleware.CommandFactory{
	withApp(NewServeCmd),
	withApp(NewReposCmd),
	withApp(NewLatestCmd),
	withApp(NewReleasesCmd),
	withApp(NewTokensCmd),
	NewConfigCmd,
	NewVersionCmd,
}

func RegisterSubCommands(cmd *cobra.Command) {
	for _, factory := range defaultCommands {
		cmd.AddCommand(factory())
	}
}
