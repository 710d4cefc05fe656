package middleware

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/config"
)

// LoadConfig reads the configuration named by --config (or the default
// locations) and applies the --host and --port overrides when a command
// defines them.
func LoadConfig(cmd *cobra.Command, args []string, next func(cmd *cobra.Command, args []string) error) error {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if f := cmd.Flags().Lookup("port"); f != nil && f.Changed {
		if cfg.Server.Port, err = cmd.Flags().GetInt("port"); err != nil {
			return err
		}
	}
	if f := cmd.Flags().Lookup("host"); f != nil && f.Changed {
		if cfg.Server.Host, err = cmd.Flags().GetString("host"); err != nil {
			return err
		}
	}

	cmd.SetContext(context.WithValue(cmd.Context(), CtxKeyConfig, cfg))
	return next(cmd, args)
}
