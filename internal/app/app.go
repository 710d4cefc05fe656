package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MrSnakeDoc/ghrelay/internal/cache"
	"github.com/MrSnakeDoc/ghrelay/internal/config"
	"github.com/MrSnakeDoc/ghrelay/internal/download"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/metrics"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/releases"
	"github.com/MrSnakeDoc/ghrelay/internal/repolist"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
	"github.com/MrSnakeDoc/ghrelay/internal/scheduler"
	"github.com/MrSnakeDoc/ghrelay/internal/service"
)

// App holds every long-lived component. It is built once per process and
// passed to the CLI commands and the HTTP server.
type App struct {
	Config    *config.Config
	Rotator   *rotator.Rotator
	Fetcher   *service.Fetcher
	Repos     *repolist.Source
	Releases  *releases.Service
	Downloads *download.Proxy
	Metrics   *metrics.Metrics
	Scheduler *scheduler.Scheduler
	StartedAt time.Time

	releaseCache *cache.Cache[[]models.Release]
}

type Option func(*options)

type options struct {
	client service.HTTPClient
	sleep  func(context.Context, time.Duration) error
}

// WithHTTPClient replaces the upstream client, mostly for tests.
func WithHTTPClient(c service.HTTPClient) Option {
	return func(o *options) { o.client = c }
}

func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = sleep }
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.client == nil {
		o.client = service.NewHTTPClient(cfg.Upstream.Timeout)
	}

	m := metrics.New()
	rot := rotator.New(cfg.Upstream.Tokens, rotator.WithUnhealthyThreshold(cfg.Rotation.UnhealthyThreshold))

	fetchOpts := []service.FetcherOption{
		service.WithMaxAttempts(cfg.Rotation.MaxAttempts),
		service.WithBackoffCeiling(cfg.Rotation.BackoffCeiling),
		service.WithUserAgent(cfg.Upstream.UserAgent),
		service.WithObserver(m),
	}
	if o.sleep != nil {
		fetchOpts = append(fetchOpts, service.WithSleeper(o.sleep))
	}
	fetcher := service.NewFetcher(o.client, rot, fetchOpts...)

	repos := repolist.NewSource(cfg.RepoList.URL, o.client, cfg.Cache.TTL)

	relCache := cache.New[[]models.Release](cache.WithName("releases"))
	rel := releases.New(fetcher, relCache, repos, releases.Config{
		APIBase:     cfg.Upstream.APIBase,
		WebBase:     cfg.Upstream.WebBase,
		ProxyBase:   cfg.ProxyBaseURL(),
		TTL:         cfg.Cache.TTL,
		MaxRepos:    cfg.Batch.MaxRepos,
		Concurrency: cfg.Batch.Concurrency,
		PageLimit:   cfg.Batch.PageLimit,
	})

	side := cache.New[download.Payload](cache.WithName("downloads"))
	dl := download.New(fetcher, side, download.Config{
		APIBase:            cfg.Upstream.APIBase,
		RequestTimeout:     cfg.Download.RequestTimeout,
		SmallFileThreshold: cfg.Download.SmallFileThreshold,
		SideCacheTTL:       cfg.Download.SideCacheTTL,
	}, download.WithObserver(m))

	m.WatchCache("releases", relCache.Stats)
	m.WatchCache("downloads", side.Stats)
	m.WatchTokens(rot.Stats)

	a := &App{
		Config:       cfg,
		Rotator:      rot,
		Fetcher:      fetcher,
		Repos:        repos,
		Releases:     rel,
		Downloads:    dl,
		Metrics:      m,
		Scheduler:    scheduler.New(),
		StartedAt:    time.Now(),
		releaseCache: relCache,
	}

	if rot.Len() == 0 {
		logger.Warn("no upstream tokens configured, requests are anonymous and heavily rate limited")
	} else {
		logger.Debug("token pool: %d tokens %v", rot.Len(), rot.Stats().Tokens)
	}
	return a, nil
}

// ScheduleBackground registers the periodic maintenance tasks. Call Start on
// the scheduler afterwards.
func (a *App) ScheduleBackground() error {
	tasks := []scheduler.Task{
		{
			Name:     "cache-sweep",
			Interval: a.Config.Cache.SweepInterval,
			Run: func(context.Context) error {
				if n := a.releaseCache.Sweep(); n > 0 {
					logger.Debug("cache-sweep: evicted %d release lists", n)
				}
				return nil
			},
		},
		{
			Name:     "download-sweep",
			Interval: a.Config.Cache.SweepInterval,
			Run: func(context.Context) error {
				if n := a.Downloads.Sweep(); n > 0 {
					logger.Debug("download-sweep: evicted %d payloads", n)
				}
				return nil
			},
		},
		{
			Name:      "repo-list-refresh",
			Interval:  a.Config.RepoList.RefreshInterval,
			Immediate: true,
			Run: func(ctx context.Context) error {
				repos, err := a.Repos.List(ctx, true)
				if err != nil {
					return err
				}
				logger.Info("repository list refreshed: %d repositories", len(repos))
				return nil
			},
		},
		{
			Name:      "warm-latest",
			Interval:  a.Config.Cache.TTL,
			Immediate: true,
			Run: func(ctx context.Context) error {
				entries, err := a.Releases.ListLatest(ctx)
				if err != nil {
					return err
				}
				logger.Debug("warm-latest: %d repositories cached", len(entries))
				return nil
			},
		},
	}

	for _, t := range tasks {
		if err := a.Scheduler.Add(t); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) ListRepositories(ctx context.Context, force bool) ([]models.RepositoryRef, error) {
	return a.Repos.List(ctx, force)
}

func (a *App) ListLatestReleases(ctx context.Context) ([]releases.Entry, error) {
	return a.Releases.ListLatest(ctx)
}

func (a *App) ListAllReleases(ctx context.Context, owner, repo string) ([]models.Release, error) {
	return a.Releases.ListAll(ctx, owner, repo, false)
}

func (a *App) ListEverything(ctx context.Context) ([]releases.RepoReleases, error) {
	return a.Releases.ListEverything(ctx)
}

func (a *App) RepoDetails(ctx context.Context, owner, repo string) (releases.Entry, error) {
	return a.Releases.Details(ctx, owner, repo)
}

func (a *App) DownloadAsset(w http.ResponseWriter, r *http.Request, owner, repo string, assetID int64, filename string) error {
	return a.Downloads.Serve(w, r, owner, repo, assetID, filename)
}

func (a *App) TokenStats() rotator.Snapshot {
	return a.Rotator.Stats()
}

// ResetTokens marks every token healthy again, e.g. after the operator
// replaced a revoked credential upstream.
func (a *App) ResetTokens() rotator.Snapshot {
	a.Rotator.ResetAll()
	logger.Info("token health reset for %d tokens", a.Rotator.Len())
	return a.Rotator.Stats()
}

// RefreshResult reports what a refresh dropped.
type RefreshResult struct {
	ReleasesCleared  int `json:"releasesCleared"`
	DownloadsCleared int `json:"downloadsCleared"`
	Repositories     int `json:"repositories"`
}

// Refresh drops every cached release list and payload, zeroes the release
// cache counters, then reloads the repository list.
func (a *App) Refresh(ctx context.Context) (RefreshResult, error) {
	res := RefreshResult{
		ReleasesCleared:  a.Releases.Reset(),
		DownloadsCleared: a.Downloads.Clear(),
	}
	repos, err := a.Repos.List(ctx, true)
	if err != nil {
		return res, err
	}
	res.Repositories = len(repos)
	logger.Info("refresh: cleared %d release lists and %d payloads", res.ReleasesCleared, res.DownloadsCleared)
	return res, nil
}

// RefreshRepo drops the cached data of one repository.
func (a *App) RefreshRepo(owner, repo string) RefreshResult {
	res := RefreshResult{DownloadsCleared: a.Downloads.InvalidateRepo(owner, repo)}
	if a.Releases.Invalidate(owner, repo) {
		res.ReleasesCleared = 1
	}
	return res
}

// Status is the runtime summary served on /api/status.
type Status struct {
	StartedAt     time.Time        `json:"startedAt"`
	Uptime        string           `json:"uptime"`
	Tokens        rotator.Snapshot `json:"tokens"`
	Cache         cache.Stats      `json:"cache"`
	CachedKeys    []string         `json:"cachedKeys"`
	DownloadCache cache.Stats      `json:"downloadCache"`
	Repositories  int              `json:"repositories"`
	RepoListAt    *time.Time       `json:"repoListLoadedAt,omitempty"`
}

func (a *App) Status() Status {
	s := Status{
		StartedAt:     a.StartedAt,
		Uptime:        time.Since(a.StartedAt).Truncate(time.Second).String(),
		Tokens:        a.Rotator.Stats(),
		Cache:         a.releaseCache.Stats(),
		CachedKeys:    a.releaseCache.Keys(),
		DownloadCache: a.Downloads.CacheStats(),
	}
	if repos, at, ok := a.Repos.Snapshot(); ok {
		s.Repositories = len(repos)
		s.RepoListAt = &at
	}
	return s
}
