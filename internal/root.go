package internal

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/logger"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ghrelay",
		Short: "Caching proxy for release listings and asset downloads",
		Long: `ghrelay fronts a GitHub-style releases API for a fixed list of repositories.
It caches release listings, rotates a pool of access tokens around rate limits
and proxies asset downloads so clients never need credentials.`,
		Example: `ghrelay serve --port 8080
ghrelay latest
ghrelay releases cli/cli`,
		Run: func(cmd *cobra.Command, _ []string) {
			if v, _ := cmd.Flags().GetBool("version"); v {
				fmt.Fprintf(cmd.OutOrStdout(), "Version: %s\n", Version)
				return
			}
			_ = cmd.Help()
		},
		PersistentPreRun: func(*cobra.Command, []string) {
			logger.ConfigureLoggerFromFlags("info")
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Flags().BoolP("version", "v", false, "Print version information")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to a configuration file (default ./ghrelay.yaml)")
	logger.BindFlags(cmd.PersistentFlags())

	RegisterSubCommands(cmd)

	return cmd
}

func Execute() error {
	root := NewRootCmd()

	if os.Getenv("COMP_LINE") != "" ||
		(len(os.Args) > 1 && strings.HasPrefix(os.Args[1], "__complete")) {
		return root.Execute()
	}

	if err := root.Execute(); err != nil {
		logger.Debug("Failed to execute root command: %v", err)
		return err
	}
	return nil
}
