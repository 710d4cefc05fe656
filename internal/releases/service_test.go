package releases

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/ghrelay/internal/cache"
	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/models"
	"github.com/MrSnakeDoc/ghrelay/internal/repolist"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
	"github.com/MrSnakeDoc/ghrelay/internal/service"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

// countingDoer wraps a Fetcher and counts upstream calls.
type countingDoer struct {
	inner *service.Fetcher
	calls atomic.Int32
}

func (c *countingDoer) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.inner.Do(ctx, req)
}

type staticRepos []models.RepositoryRef

func (s staticRepos) List(context.Context, bool) ([]models.RepositoryRef, error) {
	return s, nil
}

const helloWorldReleases = `[
  {"id": 1, "tag_name": "v1.0", "name": "First", "published_at": "2024-01-01T00:00:00Z",
   "assets": [{"id": 11, "name": "tool linux.tar.gz", "size": 2048, "download_count": 3,
               "browser_download_url": "https://example.invalid/v1"}]},
  {"id": 2, "tag_name": "v2.0", "name": "Second", "published_at": "2024-06-01T00:00:00Z",
   "assets": [{"id": 22, "name": "tool.zip", "size": 4096}]}
]`

func newUpstream(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *countingDoer) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := service.NewFetcher(service.NewHTTPClient(5*time.Second), rotator.New(nil))
	return srv, &countingDoer{inner: f}
}

func newService(srv *httptest.Server, doer service.Doer, repos RepoLister) *Service {
	return New(doer, nil, repos, Config{
		APIBase:   srv.URL,
		ProxyBase: "https://relay.example.com/",
	})
}

func TestListAll_NotFoundIsEmpty(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	s := newService(srv, doer, nil)

	rels, err := s.ListAll(context.Background(), "octo", "missing", false)
	require.NoError(t, err)
	assert.Empty(t, rels)

	_, err = s.ListAll(context.Background(), "octo", "missing", false)
	require.NoError(t, err)
	assert.Equal(t, int32(1), doer.calls.Load(), "empty result is cached")
}

func TestListAll_SortsNewestFirstAndRewritesProxyURLs(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/octocat/Hello-World/releases", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		_, _ = w.Write([]byte(helloWorldReleases))
	})
	s := newService(srv, doer, nil)

	rels, err := s.ListAll(context.Background(), "octocat", "Hello-World", false)
	require.NoError(t, err)
	require.Len(t, rels, 2)

	assert.Equal(t, "v2.0", rels[0].TagName)
	assert.Equal(t, "v1.0", rels[1].TagName)

	a := rels[1].Assets[0]
	assert.Equal(t, models.ProxyURL("https://relay.example.com", "octocat", "Hello-World", 11, "tool linux.tar.gz"), a.ProxyURL)
	assert.Equal(t, "https://relay.example.com/api/download/octocat/Hello-World/11/tool%20linux.tar.gz", a.ProxyURL)
	assert.Equal(t, "https://example.invalid/v1", a.UpstreamURL)
}

func TestListAll_DraftsWithoutDateGoLast(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
		  {"id": 1, "tag_name": "draft-a", "draft": true, "published_at": null},
		  {"id": 2, "tag_name": "v1", "published_at": "2024-01-01T00:00:00Z"},
		  {"id": 3, "tag_name": "draft-b", "draft": true},
		  {"id": 4, "tag_name": "v2", "published_at": "2024-02-01T00:00:00Z"}
		]`))
	})
	s := newService(srv, doer, nil)

	rels, err := s.ListAll(context.Background(), "o", "r", false)
	require.NoError(t, err)

	tags := make([]string, 0, len(rels))
	for _, r := range rels {
		tags = append(tags, r.TagName)
	}
	assert.Equal(t, []string{"v2", "v1", "draft-a", "draft-b"}, tags)
}

func TestListAll_SecondCallServedFromCache(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(helloWorldReleases))
	})
	s := newService(srv, doer, nil)

	for i := 0; i < 2; i++ {
		_, err := s.ListAll(context.Background(), "octocat", "Hello-World", false)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), doer.calls.Load())

	_, err := s.ListAll(context.Background(), "octocat", "Hello-World", true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), doer.calls.Load(), "force bypasses the cache")
}

func TestListAll_FollowsPagination(t *testing.T) {
	var srvURL string
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			_, _ = w.Write([]byte(`[{"id": 2, "tag_name": "v1", "published_at": "2024-01-01T00:00:00Z"}]`))
			return
		}
		w.Header().Set("Link", fmt.Sprintf(`<%s/repos/o/r/releases?per_page=100&page=2>; rel="next", <%s/x>; rel="last"`, srvURL, srvURL))
		_, _ = w.Write([]byte(`[{"id": 3, "tag_name": "v2", "published_at": "2024-02-01T00:00:00Z"}]`))
	})
	srvURL = srv.URL
	s := newService(srv, doer, nil)

	rels, err := s.ListAll(context.Background(), "o", "r", false)
	require.NoError(t, err)
	require.Len(t, rels, 2)
	assert.Equal(t, int32(2), doer.calls.Load())
}

func TestListAll_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{"forbidden", http.StatusForbidden, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, errs.ErrRateLimited)
		}},
		{"server error", http.StatusInternalServerError, "", func(t *testing.T, err error) {
			var ue *errs.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, http.StatusInternalServerError, ue.StatusCode())
		}},
		{"bad payload", http.StatusOK, "{not json", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, errs.ErrProtocol)
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			s := newService(srv, doer, nil)

			_, err := s.ListAll(context.Background(), "o", "r", false)
			require.Error(t, err)
			tc.check(t, err)

			_, _ = s.ListAll(context.Background(), "o", "r", false)
			assert.Equal(t, int32(2), doer.calls.Load(), "failures are not cached")
		})
	}
}

func TestListLatest_EndToEnd(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(helloWorldReleases))
	})
	repos := staticRepos(repolist.Parse("octocat/Hello-World"))
	s := newService(srv, doer, repos)

	entries, err := s.ListLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	e := entries[0]
	assert.Equal(t, "octocat/Hello-World", e.Repo)
	require.NotNil(t, e.Latest)
	assert.Equal(t, "v2.0", e.Latest.TagName)
	require.Len(t, e.History, 1)
	assert.Equal(t, "v1.0", e.History[0].TagName)
	assert.Equal(t, 2, e.TotalReleases)
	assert.Empty(t, e.Error)
}

func TestListLatest_IsolatesFailuresAndKeepsOrder(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/broken/"):
			w.WriteHeader(http.StatusBadGateway)
		case strings.Contains(r.URL.Path, "/empty/"):
			w.WriteHeader(http.StatusNotFound)
		default:
			_, _ = w.Write([]byte(helloWorldReleases))
		}
	})
	repos := staticRepos(repolist.Parse("a/ok\nb/broken\nc/empty\nd/ok"))
	s := newService(srv, doer, repos)

	entries, err := s.ListLatest(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 4)

	assert.Equal(t, []string{"a/ok", "b/broken", "c/empty", "d/ok"},
		[]string{entries[0].Repo, entries[1].Repo, entries[2].Repo, entries[3].Repo})
	assert.NotEmpty(t, entries[1].Error)
	assert.Nil(t, entries[1].Latest)
	assert.Empty(t, entries[2].Error)
	assert.Nil(t, entries[2].Latest)
	assert.NotNil(t, entries[2].History)
	assert.Equal(t, "v2.0", entries[3].Latest.TagName)
}

func TestListLatest_CapsRepositories(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.URL.Path] = true
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})

	var lines []string
	for i := 0; i < DefaultMaxRepos+5; i++ {
		lines = append(lines, fmt.Sprintf("owner/repo%d", i))
	}
	s := newService(srv, doer, staticRepos(repolist.Parse(strings.Join(lines, "\n"))))

	entries, err := s.ListLatest(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, DefaultMaxRepos)
	assert.Len(t, seen, DefaultMaxRepos)
	assert.False(t, seen["/repos/owner/repo20/releases"])
}

func TestListEverything(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "/gone/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(helloWorldReleases))
	})
	s := newService(srv, doer, staticRepos(repolist.Parse("octocat/Hello-World\nocto/gone")))

	all, err := s.ListEverything(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Len(t, all[0].Releases, 2)
	assert.NotNil(t, all[1].Releases)
	assert.Empty(t, all[1].Releases)
}

func TestDetails_UsesLongerHistory(t *testing.T) {
	var b strings.Builder
	b.WriteString("[")
	for i := 0; i < 15; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"id": %d, "tag_name": "v%d", "published_at": "2024-01-%02dT00:00:00Z"}`, i, i, i+1)
	}
	b.WriteString("]")

	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(b.String()))
	})
	s := newService(srv, doer, nil)

	e, err := s.Details(context.Background(), "o", "r")
	require.NoError(t, err)
	assert.Equal(t, "v14", e.Latest.TagName)
	assert.Len(t, e.History, DetailsHistory)
	assert.Equal(t, 15, e.TotalReleases)
	assert.Equal(t, "https://github.com/o/r", e.URL)
}

func TestInvalidate(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})
	s := newService(srv, doer, nil)
	ctx := context.Background()

	_, _ = s.ListAll(ctx, "a", "one", false)
	_, _ = s.ListAll(ctx, "b", "two", false)

	assert.True(t, s.Invalidate("a", "one"))
	assert.False(t, s.Invalidate("a", "one"))
	assert.Equal(t, 1, s.Reset())
	assert.Equal(t, cache.Stats{}, s.CacheStats())

	_, _ = s.ListAll(ctx, "b", "two", false)
	assert.Equal(t, int32(3), doer.calls.Load())
}

func TestBatch_CancelledContextFillsEveryEntry(t *testing.T) {
	srv, doer := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(helloWorldReleases))
	})
	s := newService(srv, doer, staticRepos(repolist.Parse("octocat/Hello-World\nocto/cat")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries, err := s.ListLatest(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for i, want := range []string{"octocat/Hello-World", "octo/cat"} {
		assert.Equal(t, want, entries[i].Repo)
		assert.Equal(t, "https://github.com/"+want, entries[i].URL)
		assert.NotNil(t, entries[i].History)
		assert.Equal(t, context.Canceled.Error(), entries[i].Error)
	}

	all, err := s.ListEverything(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "octo/cat", all[1].Repo)
	assert.NotNil(t, all[1].Releases)
	assert.Equal(t, context.Canceled.Error(), all[1].Error)

	assert.Zero(t, doer.calls.Load())
}

func TestNextLink(t *testing.T) {
	h := `<https://api.example.com/x?page=2>; rel="next", <https://api.example.com/x?page=5>; rel="last"`
	assert.Equal(t, "https://api.example.com/x?page=2", nextLink(h))
	assert.Empty(t, nextLink(`<https://api.example.com/x?page=1>; rel="prev"`))
	assert.Empty(t, nextLink(""))
}
