package middleware

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/app"
	"github.com/MrSnakeDoc/ghrelay/internal/config"
)

// BuildApp wires the application from the configuration placed in the
// context by LoadConfig.
func BuildApp(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	cfg, err := Get[*config.Config](cmd, CtxKeyConfig)
	if err != nil {
		return err
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	cmd.SetContext(context.WithValue(cmd.Context(), CtxKeyApp, a))
	return next(cmd, args)
}
