package repolist

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/service"
	"github.com/MrSnakeDoc/ghrelay/internal/utils"
)

const maxListBytes = 4 << 20

// Source loads the repository list from an http(s) URL or a local file and
// keeps the last successful result for ttl.
type Source struct {
	location string
	client   service.HTTPClient
	ttl      time.Duration
	now      func() time.Time

	fetchMu sync.Mutex // serializes loads

	mu        sync.RWMutex
	repos     []models.RepositoryRef
	fetchedAt time.Time
	loaded    bool
}

type SourceOption func(*Source)

func WithClock(now func() time.Time) SourceOption {
	return func(s *Source) { s.now = now }
}

func NewSource(location string, client service.HTTPClient, ttl time.Duration, opts ...SourceOption) *Source {
	if client == nil {
		client = service.NewHTTPClient(30 * time.Second)
	}
	s := &Source{
		location: strings.TrimSpace(location),
		client:   client,
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Location() string { return s.location }

// List returns the repository list, reloading it when the cached copy is
// older than ttl or force is set. If a reload fails and an earlier list is
// available, that list is returned instead of the error.
func (s *Source) List(ctx context.Context, force bool) ([]models.RepositoryRef, error) {
	if s.location == "" {
		return nil, errs.ErrNoRepoListSource
	}

	if !force {
		if repos, ok := s.fresh(); ok {
			return repos, nil
		}
	}

	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()

	// Another caller may have refreshed while we waited.
	if !force {
		if repos, ok := s.fresh(); ok {
			return repos, nil
		}
	}

	text, err := s.load(ctx)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if s.loaded {
			logger.Warn("repository list reload failed, using list from %s: %v",
				s.fetchedAt.Format(time.RFC3339), err)
			return slices.Clone(s.repos), nil
		}
		return nil, err
	}

	repos := Parse(text)

	s.mu.Lock()
	s.repos = repos
	s.fetchedAt = s.now()
	s.loaded = true
	s.mu.Unlock()

	logger.Debug("repository list loaded: %d repositories from %s", len(repos), s.location)
	return slices.Clone(repos), nil
}

// Snapshot returns the last loaded list without touching the source.
func (s *Source) Snapshot() (repos []models.RepositoryRef, fetchedAt time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.repos), s.fetchedAt, s.loaded
}

func (s *Source) fresh() ([]models.RepositoryRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded || s.fetchedAt.IsZero() || s.now().Sub(s.fetchedAt) >= s.ttl {
		return nil, false
	}
	return slices.Clone(s.repos), true
}

func (s *Source) load(ctx context.Context) (string, error) {
	if !utils.IsRemote(s.location) {
		data, err := os.ReadFile(strings.TrimPrefix(s.location, "file://"))
		if err != nil {
			return "", fmt.Errorf("failed to read repository list %s: %w", s.location, err)
		}
		return string(data), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.location, http.NoBody)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", service.DefaultUserAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errs.Upstream("fetch repository list", 0, err)
	}
	defer utils.MustClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", errs.Upstream("fetch repository list", resp.StatusCode, nil)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxListBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read repository list: %w", err)
	}
	return string(data), nil
}
