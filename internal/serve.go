package internal

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/ghrelay/internal/app"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/middleware"
	"github.com/MrSnakeDoc/ghrelay/internal/server"
)

func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := middleware.Get[*app.App](cmd, middleware.CtxKeyApp)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a)
		},
	}

	cmd.Flags().IntP("port", "p", 0, "Listen port (overrides server.port)")
	cmd.Flags().String("host", "", "Listen address (overrides server.host)")
	return cmd
}

func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	srv := server.New(a, server.Config{
		Addr:              cfg.Addr(),
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		ShutdownGrace:     cfg.Server.ShutdownGrace,
	}, a.Metrics)

	if err := a.ScheduleBackground(); err != nil {
		return err
	}
	if idle := cfg.RateLimit.IdleTimeout; idle > 0 && cfg.RateLimit.RequestsPerMinute > 0 {
		err := a.Scheduler.Every("limiter-sweep", idle, func(context.Context) error {
			if n := srv.SweepLimiters(idle); n > 0 {
				logger.Debug("limiter-sweep: forgot %d idle clients", n)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		a.Scheduler.Wait()
		logger.Sync()
	}()
	a.Scheduler.Start(ctx)

	logger.Info("proxying %s, download links under %s", cfg.Upstream.APIBase, cfg.ProxyBaseURL())
	return srv.Run(ctx)
}
