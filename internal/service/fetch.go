package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/rotator"
)

const (
	// MaxAttempts caps the attempts of a single Do call regardless of how
	// many tokens are configured.
	MaxAttempts = 10
	// DefaultBackoffCeiling bounds a rate-limit wait. Longer advertised
	// resets are not waited for at all.
	DefaultBackoffCeiling = 60 * time.Second
	DefaultUserAgent      = "ghrelay/1.0"

	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"

	AcceptJSON   = "application/vnd.github+json"
	AcceptBinary = "application/octet-stream"
)

// Doer is what the query and download layers need from a Fetcher.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Observer receives one call per upstream attempt. status is 0 when the
// attempt failed below HTTP.
type Observer interface {
	ObserveUpstream(status int, err error)
}

// Fetcher issues upstream requests, spreading them over the rotator's
// tokens and retrying on 401/403 and transport errors.
type Fetcher struct {
	client      HTTPClient
	rotator     *rotator.Rotator
	maxAttempts int
	ceiling     time.Duration
	userAgent   string
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	observer    Observer
}

type FetcherOption func(*Fetcher)

func WithMaxAttempts(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxAttempts = n
		}
	}
}

func WithBackoffCeiling(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		if d > 0 {
			f.ceiling = d
		}
	}
}

func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

func WithClock(now func() time.Time) FetcherOption {
	return func(f *Fetcher) { f.now = now }
}

// WithSleeper replaces the context-aware sleep used for rate-limit waits.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) FetcherOption {
	return func(f *Fetcher) { f.sleep = sleep }
}

func WithObserver(o Observer) FetcherOption {
	return func(f *Fetcher) { f.observer = o }
}

func NewFetcher(client HTTPClient, rot *rotator.Rotator, opts ...FetcherOption) *Fetcher {
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}
	if rot == nil {
		rot = rotator.New(nil)
	}
	f := &Fetcher{
		client:      client,
		rotator:     rot,
		maxAttempts: MaxAttempts,
		ceiling:     DefaultBackoffCeiling,
		userAgent:   DefaultUserAgent,
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithClient returns a copy of f sending through client. The rotator, and
// therefore token health, is shared with f.
func (f *Fetcher) WithClient(client HTTPClient) *Fetcher {
	cp := *f
	cp.client = client
	return &cp
}

func (f *Fetcher) Rotator() *rotator.Rotator { return f.rotator }

// Get is a convenience wrapper around Do for GET requests.
func (f *Fetcher) Get(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return f.Do(ctx, req)
}

// Do sends req. With no tokens configured it makes exactly one anonymous
// attempt. Otherwise it makes up to min(2*tokens, maxAttempts) attempts and
// returns the first response that is not 401/403. Statuses such as 404 or
// 500 are returned to the caller as-is, since another token cannot fix them.
func (f *Fetcher) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	op := req.Method + " " + req.URL.Path
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	n := f.rotator.Len()
	if n == 0 {
		resp, err := f.client.Do(req.WithContext(ctx))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.observe(0, err)
			return nil, errs.Upstream(op, 0, err)
		}
		f.observe(resp.StatusCode, nil)
		return resp, nil
	}

	attempts := min(2*n, f.maxAttempts)
	var (
		lastErr    error
		lastStatus int
	)

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		token, _ := f.rotator.Next()
		label := rotator.Redact(token)

		r := req.Clone(ctx)
		r.Header.Set("Authorization", "token "+token)

		resp, err := f.client.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.observe(0, err)
			msg := fmt.Sprintf("token %s: %v", label, err)
			f.rotator.RecordResult(token, false, msg)
			lastErr = errors.New(msg)
			logger.Debug("%s: attempt %d/%d failed: %s", op, attempt, attempts, msg)
			continue
		}
		f.observe(resp.StatusCode, nil)

		if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
			f.rotator.RecordResult(token, true, "")
			return resp, nil
		}

		msg := fmt.Sprintf("token %s failed with status %d", label, resp.StatusCode)
		f.rotator.RecordResult(token, false, msg)
		lastStatus = resp.StatusCode
		if resp.StatusCode == http.StatusForbidden {
			lastErr = fmt.Errorf("%w: %s", errs.ErrRateLimited, msg)
		} else {
			lastErr = errors.New(msg)
		}

		wait := f.rateLimitWait(resp)
		drain(resp)
		logger.Debug("%s: attempt %d/%d: %s", op, attempt, attempts, msg)

		if wait > 0 && attempt < attempts {
			logger.Warn("rate limit exhausted for token %s, waiting %s", label, wait.Truncate(time.Second))
			if err := f.sleep(ctx, wait); err != nil {
				return nil, err
			}
		}
	}

	if lastErr == nil {
		return nil, errs.Upstream(op, 0, errs.ErrAllTokensFailed)
	}
	return nil, errs.Upstream(op, lastStatus, lastErr)
}

// rateLimitWait returns how long to pause before the next attempt: the
// advertised reset plus one second, when the quota is exhausted and the
// reset is less than the ceiling away. Zero means do not wait.
func (f *Fetcher) rateLimitWait(resp *http.Response) time.Duration {
	if resp.Header.Get(HeaderRateLimitRemaining) != "0" {
		return 0
	}
	reset, err := strconv.ParseInt(resp.Header.Get(HeaderRateLimitReset), 10, 64)
	if err != nil {
		return 0
	}
	wait := time.Unix(reset, 0).Sub(f.now())
	if wait <= 0 || wait >= f.ceiling {
		return 0
	}
	return min(wait+time.Second, f.ceiling)
}

func (f *Fetcher) observe(status int, err error) {
	if f.observer != nil {
		f.observer.ObserveUpstream(status, err)
	}
}

// drain discards a bounded amount of body so the connection can be reused.
func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
