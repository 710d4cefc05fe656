package releases

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrSnakeDoc/ghrelay/internal/cache"
	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/service"
	"github.com/MrSnakeDoc/ghrelay/internal/utils"
)

const (
	DefaultMaxRepos    = 20
	DefaultConcurrency = 5
	DefaultPageLimit   = 10
	DefaultTTL         = time.Hour

	LatestHistory  = 5
	DetailsHistory = 10

	perPage   = 100
	keyPrefix = "releases:"
)

// RepoLister provides the configured repository list.
type RepoLister interface {
	List(ctx context.Context, force bool) ([]models.RepositoryRef, error)
}

type Config struct {
	APIBase     string
	WebBase     string
	ProxyBase   string
	TTL         time.Duration
	MaxRepos    int
	Concurrency int
	PageLimit   int
}

// Entry is the latest-release view of one repository.
type Entry struct {
	Repo          string           `json:"repo"`
	URL           string           `json:"url"`
	Latest        *models.Release  `json:"latest"`
	History       []models.Release `json:"history"`
	TotalReleases int              `json:"totalReleases"`
	Error         string           `json:"error,omitempty"`
}

// RepoReleases is every release of one repository.
type RepoReleases struct {
	Repo     string           `json:"repo"`
	URL      string           `json:"url"`
	Releases []models.Release `json:"releases"`
	Error    string           `json:"error,omitempty"`
}

type Service struct {
	fetcher service.Doer
	cache   *cache.Cache[[]models.Release]
	repos   RepoLister
	cfg     Config
}

func New(fetcher service.Doer, c *cache.Cache[[]models.Release], repos RepoLister, cfg Config) *Service {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	if cfg.WebBase == "" {
		cfg.WebBase = "https://github.com"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxRepos <= 0 {
		cfg.MaxRepos = DefaultMaxRepos
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultPageLimit
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.WebBase = strings.TrimRight(cfg.WebBase, "/")
	if c == nil {
		c = cache.New[[]models.Release](cache.WithName("releases"))
	}
	return &Service{fetcher: fetcher, cache: c, repos: repos, cfg: cfg}
}

func CacheKey(owner, repo string) string {
	return keyPrefix + owner + ":" + repo
}

// ListAll returns every release of owner/repo, newest first. A repository
// unknown upstream yields an empty list. The returned slice is shared with
// the cache and must not be modified.
func (s *Service) ListAll(ctx context.Context, owner, repo string, force bool) ([]models.Release, error) {
	key := CacheKey(owner, repo)
	if !force {
		if rels, ok := s.cache.Get(key); ok {
			return rels, nil
		}
	}

	raw, err := s.fetchAll(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	rels := s.normalize(owner, repo, raw)
	s.cache.Set(key, rels, s.cfg.TTL)
	logger.Debug("releases: cached %d releases for %s/%s", len(rels), owner, repo)
	return rels, nil
}

// ListLatest returns, for each configured repository up to MaxRepos, the
// latest release and a short history. Failures are attached to the entry.
func (s *Service) ListLatest(ctx context.Context) ([]Entry, error) {
	repos, err := s.batch(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(repos))
	s.each(ctx, repos, func(i int, r models.RepositoryRef, err error) {
		var rels []models.Release
		if err == nil {
			rels, err = s.ListAll(ctx, r.Owner, r.Name, false)
		}
		entries[i] = buildEntry(r.FullName(), r.URL, rels, LatestHistory)
		if err != nil {
			logger.Warn("releases: %s: %v", r.FullName(), err)
			entries[i].Error = err.Error()
		}
	})
	return entries, nil
}

// ListEverything returns all releases of each configured repository, up to
// MaxRepos repositories.
func (s *Service) ListEverything(ctx context.Context) ([]RepoReleases, error) {
	repos, err := s.batch(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]RepoReleases, len(repos))
	s.each(ctx, repos, func(i int, r models.RepositoryRef, err error) {
		var rels []models.Release
		if err == nil {
			rels, err = s.ListAll(ctx, r.Owner, r.Name, false)
		}
		out[i] = RepoReleases{Repo: r.FullName(), URL: r.URL, Releases: rels}
		if err != nil {
			logger.Warn("releases: %s: %v", r.FullName(), err)
			out[i].Error = err.Error()
		}
		if out[i].Releases == nil {
			out[i].Releases = []models.Release{}
		}
	})
	return out, nil
}

// Details returns the latest release of one repository with a longer history.
func (s *Service) Details(ctx context.Context, owner, repo string) (Entry, error) {
	rels, err := s.ListAll(ctx, owner, repo, false)
	if err != nil {
		return Entry{}, err
	}
	return buildEntry(owner+"/"+repo, s.cfg.WebBase+"/"+owner+"/"+repo, rels, DetailsHistory), nil
}

func (s *Service) Invalidate(owner, repo string) bool {
	return s.cache.Delete(CacheKey(owner, repo))
}

// Reset empties the release cache and zeroes its counters.
func (s *Service) Reset() int {
	return s.cache.Reset()
}

func (s *Service) CacheStats() cache.Stats { return s.cache.Stats() }

func (s *Service) batch(ctx context.Context) ([]models.RepositoryRef, error) {
	if s.repos == nil {
		return nil, errs.ErrNoRepoListSource
	}
	repos, err := s.repos.List(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load repository list: %w", err)
	}
	if len(repos) > s.cfg.MaxRepos {
		logger.Debug("releases: %d repositories listed, querying the first %d", len(repos), s.cfg.MaxRepos)
	}
	return utils.Take(repos, s.cfg.MaxRepos), nil
}

// each runs fn for every repository with bounded concurrency. fn records its
// own failures, so the group never short-circuits. Once ctx is done, fn is
// still called for the remaining repositories with the context error so no
// slot is left empty.
func (s *Service) each(ctx context.Context, repos []models.RepositoryRef, fn func(int, models.RepositoryRef, error)) {
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for i, r := range repos {
		g.Go(func() error {
			fn(i, r, ctx.Err())
			return nil
		})
	}
	_ = g.Wait()
}

func buildEntry(fullName, repoURL string, rels []models.Release, history int) Entry {
	e := Entry{Repo: fullName, URL: repoURL, History: []models.Release{}, TotalReleases: len(rels)}
	if len(rels) == 0 {
		return e
	}
	latest := rels[0]
	e.Latest = &latest
	e.History = utils.Take(rels[1:], history)
	return e
}

var errNotFound = errors.New("not found")

func (s *Service) fetchAll(ctx context.Context, owner, repo string) ([]upstreamRelease, error) {
	next := fmt.Sprintf("%s/repos/%s/%s/releases?per_page=%d",
		s.cfg.APIBase, url.PathEscape(owner), url.PathEscape(repo), perPage)

	var all []upstreamRelease
	for page := 0; next != "" && page < s.cfg.PageLimit; page++ {
		items, link, err := s.fetchPage(ctx, next)
		if errors.Is(err, errNotFound) {
			if page == 0 {
				return nil, nil
			}
			break
		}
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		next = link
	}
	return all, nil
}

func (s *Service) fetchPage(ctx context.Context, pageURL string) ([]upstreamRelease, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", service.AcceptJSON)

	resp, err := s.fetcher.Do(ctx, req)
	if err != nil {
		return nil, "", err
	}
	defer utils.MustClose(resp.Body)

	op := "list releases"
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, "", errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, "", errs.Upstream(op, resp.StatusCode, nil)
	}

	var items []upstreamRelease
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, "", errs.Protocol(errs.BadPayload, err)
	}
	return items, nextLink(resp.Header.Get("Link")), nil
}

func (s *Service) normalize(owner, repo string, raw []upstreamRelease) []models.Release {
	out := make([]models.Release, 0, len(raw))
	for _, r := range raw {
		rel := models.Release{
			ID:          r.ID,
			TagName:     r.TagName,
			Title:       r.Name,
			Body:        r.Body,
			PublishedAt: r.PublishedAt,
			Prerelease:  r.Prerelease,
			Draft:       r.Draft,
			Assets:      make([]models.Asset, 0, len(r.Assets)),
		}
		for _, a := range r.Assets {
			rel.Assets = append(rel.Assets, models.Asset{
				ID:            a.ID,
				Name:          a.Name,
				Size:          a.Size,
				DownloadCount: a.DownloadCount,
				ContentType:   a.ContentType,
				UpstreamURL:   a.BrowserDownloadURL,
				ProxyURL:      models.ProxyURL(s.cfg.ProxyBase, owner, repo, a.ID, a.Name),
			})
		}
		out = append(out, rel)
	}
	sortNewestFirst(out)
	return out
}

// sortNewestFirst orders by publish time, descending. Unpublished drafts go
// last, keeping their upstream order.
func sortNewestFirst(rels []models.Release) {
	sort.SliceStable(rels, func(i, j int) bool {
		a, b := rels[i].PublishedAt, rels[j].PublishedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
