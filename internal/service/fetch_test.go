package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

const (
	tokenA = "ghp_AAAAAAAAAAAAAAAAAAAA"
	tokenB = "ghp_BBBBBBBBBBBBBBBBBBBB"
)

// recordingSleeper records requested waits without actually sleeping.
type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	statuses []int
}

func (o *countingObserver) ObserveUpstream(status int, _ error) {
	o.mu.Lock()
	o.statuses = append(o.statuses, status)
	o.mu.Unlock()
}

func authOf(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "token ")
}

func TestFetcher_NoTokensSingleAnonymousAttempt(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New(nil))
	resp, err := f.Get(context.Background(), srv.URL+"/repos/o/r/releases", AcceptJSON)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 1, calls)
}

func TestFetcher_RateLimitedTokenRotatesToNext(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	reset := now.Add(5 * time.Second)

	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, authOf(r))
		if authOf(r) == tokenA {
			w.Header().Set(HeaderRateLimitRemaining, "0")
			w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(reset.Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	rot := rotator.New([]string{tokenA, tokenB})
	sleeper := &recordingSleeper{}
	f := NewFetcher(NewHTTPClient(5*time.Second), rot,
		WithClock(func() time.Time { return now }),
		WithSleeper(sleeper.Sleep),
	)

	resp, err := f.Get(context.Background(), srv.URL, AcceptJSON)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{tokenA, tokenB}, seen)
	assert.Equal(t, []time.Duration{6 * time.Second}, sleeper.waits)

	stats := rot.Stats().PerToken
	assert.Equal(t, uint64(1), stats[0].ConsecutiveFailures)
	assert.Equal(t, uint64(1), stats[1].Successes)
}

func TestFetcher_LongResetIsNotWaitedFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if authOf(r) == tokenA {
			w.Header().Set(HeaderRateLimitRemaining, "0")
			w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(now.Add(10*time.Minute).Unix(), 10))
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sleeper := &recordingSleeper{}
	f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New([]string{tokenA, tokenB}),
		WithClock(func() time.Time { return now }),
		WithSleeper(sleeper.Sleep),
	)

	resp, err := f.Get(context.Background(), srv.URL, AcceptJSON)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Empty(t, sleeper.waits)
}

func TestFetcher_NotFoundIsNotRetried(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	rot := rotator.New([]string{tokenA, tokenB})
	f := NewFetcher(NewHTTPClient(5*time.Second), rot)

	resp, err := f.Get(context.Background(), srv.URL, AcceptJSON)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, calls)
	assert.Equal(t, uint64(1), rot.Stats().PerToken[0].Successes)
}

func TestFetcher_AttemptsAreBounded(t *testing.T) {
	cases := []struct {
		name   string
		tokens []string
		want   int
	}{
		{"two tokens", []string{tokenA, tokenB}, 4},
		{"many tokens", []string{"t1xxxxxxxx", "t2xxxxxxxx", "t3xxxxxxxx", "t4xxxxxxxx", "t5xxxxxxxx", "t6xxxxxxxx"}, MaxAttempts},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls int
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls++
				w.WriteHeader(http.StatusUnauthorized)
			}))
			defer srv.Close()

			f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New(tc.tokens))
			_, err := f.Get(context.Background(), srv.URL, AcceptJSON)
			require.Error(t, err)

			var ue *errs.UpstreamError
			require.ErrorAs(t, err, &ue)
			assert.Equal(t, http.StatusUnauthorized, ue.StatusCode())
			assert.Equal(t, tc.want, calls)
		})
	}
}

func TestFetcher_ForbiddenExhaustionIsRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New([]string{tokenA}))
	_, err := f.Get(context.Background(), srv.URL, AcceptJSON)

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRateLimited)
	assert.Equal(t, http.StatusTooManyRequests, errs.HTTPStatus(err))
}

func TestFetcher_ErrorsNeverContainRawTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	rot := rotator.New([]string{tokenA, tokenB})
	f := NewFetcher(NewHTTPClient(5*time.Second), rot)
	_, err := f.Get(context.Background(), srv.URL, AcceptJSON)
	require.Error(t, err)

	for _, tok := range []string{tokenA, tokenB} {
		assert.NotContains(t, err.Error(), tok)
	}
	for _, st := range rot.Stats().PerToken {
		assert.NotContains(t, st.LastError, tokenA)
		assert.NotContains(t, st.LastError, tokenB)
	}
}

func TestFetcher_TransportErrorMarksTokenFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	obs := &countingObserver{}
	rot := rotator.New([]string{tokenA})
	f := NewFetcher(NewHTTPClient(time.Second), rot, WithObserver(obs))

	_, err := f.Get(context.Background(), url, AcceptJSON)
	require.Error(t, err)

	var ue *errs.UpstreamError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, 0, ue.StatusCode())
	assert.Equal(t, uint64(2), rot.Stats().PerToken[0].ConsecutiveFailures)
	assert.Equal(t, []int{0, 0}, obs.statuses)
}

func TestFetcher_CancelledWaitStops(t *testing.T) {
	now := time.Now()
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set(HeaderRateLimitRemaining, "0")
		w.Header().Set(HeaderRateLimitReset, strconv.FormatInt(now.Add(30*time.Second).Unix(), 10))
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New([]string{tokenA, tokenB}),
		WithClock(func() time.Time { return now }),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}),
	)

	_, err := f.Get(ctx, srv.URL, AcceptJSON)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, calls)
}

func TestFetcher_NoTokensCancelledIsNotUpstreamError(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	obs := &countingObserver{}
	f := NewFetcher(NewHTTPClient(5*time.Second), rotator.New(nil), WithObserver(obs))
	_, err := f.Get(ctx, srv.URL, AcceptJSON)

	require.ErrorIs(t, err, context.Canceled)
	var ue *errs.UpstreamError
	assert.False(t, errors.As(err, &ue))
	assert.Empty(t, obs.statuses)
}

func TestWithClient_SharesRotator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	rot := rotator.New([]string{tokenA})
	base := NewFetcher(NewHTTPClient(5*time.Second), rot)
	noRedirect := base.WithClient(NewNoRedirectClient(5 * time.Second))

	resp, err := noRedirect.Get(context.Background(), srv.URL, AcceptBinary)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Same(t, base.Rotator(), noRedirect.Rotator())
	assert.Equal(t, uint64(1), rot.Stats().PerToken[0].Requests)
}
