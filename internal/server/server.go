package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MrSnakeDoc/ghrelay/internal/app"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/metrics"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/releases"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
)

// Backend is what the HTTP layer needs from the application.
type Backend interface {
	ListRepositories(ctx context.Context, force bool) ([]models.RepositoryRef, error)
	ListLatestReleases(ctx context.Context) ([]releases.Entry, error)
	ListEverything(ctx context.Context) ([]releases.RepoReleases, error)
	ListAllReleases(ctx context.Context, owner, repo string) ([]models.Release, error)
	RepoDetails(ctx context.Context, owner, repo string) (releases.Entry, error)
	DownloadAsset(w http.ResponseWriter, r *http.Request, owner, repo string, assetID int64, filename string) error
	Refresh(ctx context.Context) (app.RefreshResult, error)
	RefreshRepo(owner, repo string) app.RefreshResult
	Status() app.Status
	TokenStats() rotator.Snapshot
	ResetTokens() rotator.Snapshot
}

type Config struct {
	Addr              string
	RequestsPerMinute int
	Burst             int
	ShutdownGrace     time.Duration
}

type Server struct {
	backend Backend
	cfg     Config
	metrics *metrics.Metrics
	limiter *ipLimiter
	engine  *gin.Engine
}

func New(backend Backend, cfg Config, m *metrics.Metrics) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	s := &Server{
		backend: backend,
		cfg:     cfg,
		metrics: m,
		limiter: newIPLimiter(cfg.RequestsPerMinute, cfg.Burst),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// SweepLimiters drops per-client limiters idle for longer than idle.
func (s *Server) SweepLimiters(idle time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.Sweep(idle)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.metrics), corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api", rateLimitMiddleware(s.limiter))
	api.GET("/repos", s.handleRepos)
	api.GET("/latest", s.handleLatest)
	api.GET("/releases", s.handleEverything)
	api.GET("/repo/:owner/:repo", s.handleDetails)
	api.GET("/all/:owner/:repo", s.handleAll)
	api.GET("/download/:owner/:repo/:assetId/:filename", s.handleDownload)
	api.POST("/refresh", s.handleRefresh)
	api.POST("/refresh/:owner/:repo", s.handleRefreshRepo)
	api.GET("/status", s.handleStatus)
	api.GET("/tokens/status", s.handleTokens)
	api.POST("/tokens/reset", s.handleTokenReset)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, failure("not found"))
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", s.cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down (grace %s)", s.cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
