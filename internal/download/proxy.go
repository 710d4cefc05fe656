package download

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/MrSnakeDoc/ghrelay/internal/cache"
	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/service"
	"github.com/MrSnakeDoc/ghrelay/internal/utils"
)

const (
	DefaultSmallFileThreshold = 10 << 20
	DefaultSideCacheTTL       = 5 * time.Minute
	DefaultRequestTimeout     = 30 * time.Second

	CacheControl       = "public, max-age=86400"
	defaultContentType = "application/octet-stream"
	relayBufferSize    = 32 << 10
)

type Config struct {
	APIBase            string
	RequestTimeout     time.Duration
	SmallFileThreshold int64
	SideCacheTTL       time.Duration
}

// Observer is notified once per completed relay.
type Observer interface {
	ObserveDownload(bytes int64, cached bool)
}

// Payload is a small asset kept in the side cache.
type Payload struct {
	Body        []byte
	ContentType string
}

// Download is an opened asset stream. Body must be closed; closing it also
// releases the upstream connection.
type Download struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown
	Filename      string
	Cached        bool
}

type Proxy struct {
	meta     *service.Fetcher   // asset metadata
	binary   *service.Fetcher   // asset location, redirects not followed
	hop      service.HTTPClient // the single unauthenticated redirect hop
	side     *cache.Cache[Payload]
	cfg      Config
	observer Observer
}

type Option func(*Proxy)

func WithObserver(o Observer) Option {
	return func(p *Proxy) { p.observer = o }
}

func New(fetcher *service.Fetcher, side *cache.Cache[Payload], cfg Config, opts ...Option) *Proxy {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.github.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.SmallFileThreshold <= 0 {
		cfg.SmallFileThreshold = DefaultSmallFileThreshold
	}
	if cfg.SideCacheTTL <= 0 {
		cfg.SideCacheTTL = DefaultSideCacheTTL
	}
	if side == nil {
		side = cache.New[Payload](cache.WithName("downloads"))
	}
	p := &Proxy{
		meta:   fetcher,
		binary: fetcher.WithClient(service.NewNoRedirectClient(0)),
		hop:    service.NewNoRedirectClient(0),
		side:   side,
		cfg:    cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func SideKey(owner, repo string, assetID int64) string {
	return owner + "/" + repo + "/" + strconv.FormatInt(assetID, 10)
}

// Open resolves the asset and returns its byte stream. Everything up to the
// response headers of the final request is bounded by RequestTimeout; the
// body itself is not.
func (p *Proxy) Open(ctx context.Context, owner, repo string, assetID int64, filename string) (*Download, error) {
	key := SideKey(owner, repo, assetID)
	if hit, ok := p.side.Get(key); ok {
		logger.Debug("download: side cache hit for %s", key)
		return &Download{
			Body:          io.NopCloser(bytes.NewReader(hit.Body)),
			ContentType:   hit.ContentType,
			ContentLength: int64(len(hit.Body)),
			Filename:      filename,
			Cached:        true,
		}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(p.cfg.RequestTimeout, cancel)
	fail := func(err error) (*Download, error) {
		timer.Stop()
		cancel()
		return nil, err
	}

	meta, err := p.metadata(ctx, owner, repo, assetID)
	if err != nil {
		return fail(err)
	}
	if filename == "" {
		filename = meta.Name
	}

	resp, err := p.locate(ctx, meta.URL)
	if err != nil {
		return fail(err)
	}

	if !timer.Stop() {
		utils.MustClose(resp.Body)
		return fail(fmt.Errorf("download %s: %w", key, context.DeadlineExceeded))
	}

	d := &Download{
		Body:          &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
		ContentType:   firstNonEmpty(resp.Header.Get("Content-Type"), meta.ContentType, defaultContentType),
		ContentLength: resp.ContentLength,
		Filename:      filename,
	}

	if d.ContentLength >= 0 && d.ContentLength < p.cfg.SmallFileThreshold {
		return p.buffer(key, d)
	}
	return d, nil
}

// Serve relays the asset to w. An error returned before anything was written
// can still be reported to the client; after that the response is cut short.
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, owner, repo string, assetID int64, filename string) error {
	start := time.Now()

	d, err := p.Open(r.Context(), owner, repo, assetID, filename)
	if err != nil {
		return err
	}
	defer utils.MustClose(d.Body)

	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	h.Set("Content-Disposition", ContentDisposition(d.Filename))
	h.Set("Cache-Control", CacheControl)
	if d.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(d.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.CopyBuffer(w, d.Body, make([]byte, relayBufferSize))
	if p.observer != nil {
		p.observer.ObserveDownload(n, d.Cached)
	}
	if err != nil {
		logger.Warn("download: %s/%s #%d aborted after %s: %v",
			owner, repo, assetID, humanize.Bytes(uint64(n)), err)
		return fmt.Errorf("relay aborted after %d bytes: %w", n, err)
	}

	logger.Debug("download: %s/%s #%d sent %s in %s (cached=%t)",
		owner, repo, assetID, humanize.Bytes(uint64(n)), time.Since(start).Truncate(time.Millisecond), d.Cached)
	return nil
}

// InvalidateRepo drops side-cache entries of one repository.
func (p *Proxy) InvalidateRepo(owner, repo string) int {
	return p.side.DeletePrefix(owner + "/" + repo + "/")
}

func (p *Proxy) Clear() int { return p.side.Clear() }

func (p *Proxy) Sweep() int { return p.side.Sweep() }

func (p *Proxy) CacheStats() cache.Stats { return p.side.Stats() }

// ContentDisposition builds an attachment header with an escaped filename.
func ContentDisposition(filename string) string {
	return `attachment; filename="` + url.PathEscape(filename) + `"`
}

type assetMeta struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

func (p *Proxy) metadata(ctx context.Context, owner, repo string, assetID int64) (assetMeta, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/%s/releases/assets/%d",
		p.cfg.APIBase, url.PathEscape(owner), url.PathEscape(repo), assetID)

	resp, err := p.meta.Get(ctx, apiURL, service.AcceptJSON)
	if err != nil {
		return assetMeta{}, err
	}
	defer utils.MustClose(resp.Body)

	if err := checkStatus("asset metadata", resp.StatusCode); err != nil {
		return assetMeta{}, err
	}

	var m assetMeta
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return assetMeta{}, errs.Protocol(errs.BadPayload, err)
	}
	if m.URL == "" {
		m.URL = apiURL
	}
	logger.Debug("download: asset %d is %s (%s)", assetID, m.Name, humanize.Bytes(uint64(max(m.Size, 0))))
	return m, nil
}

// locate requests the binary and follows at most one redirect.
func (p *Proxy) locate(ctx context.Context, assetURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", service.AcceptBinary)

	resp, err := p.binary.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	if !isRedirect(resp.StatusCode) {
		if err := checkStatus("asset download", resp.StatusCode); err != nil {
			utils.MustClose(resp.Body)
			return nil, err
		}
		return resp, nil
	}

	loc := resp.Header.Get("Location")
	status := resp.StatusCode
	utils.MustClose(resp.Body)
	if loc == "" {
		return nil, errs.Protocol(errs.MissingLocation, status)
	}
	target, err := req.URL.Parse(loc)
	if err != nil {
		return nil, errs.Protocol(errs.BadPayload, err)
	}

	hopReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	hopReq.Header.Set("User-Agent", service.DefaultUserAgent)

	final, err := p.hop.Do(hopReq)
	if err != nil {
		return nil, errs.Upstream("asset redirect", 0, err)
	}
	if isRedirect(final.StatusCode) {
		utils.MustClose(final.Body)
		return nil, errs.Protocol(errs.TooManyRedirects, final.StatusCode)
	}
	if err := checkStatus("asset redirect", final.StatusCode); err != nil {
		utils.MustClose(final.Body)
		return nil, err
	}
	return final, nil
}

// buffer reads a small payload fully, stores it and returns it replayable.
func (p *Proxy) buffer(key string, d *Download) (*Download, error) {
	defer utils.MustClose(d.Body)

	body, err := io.ReadAll(io.LimitReader(d.Body, d.ContentLength))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", key, err)
	}

	p.side.Set(key, Payload{Body: body, ContentType: d.ContentType}, p.cfg.SideCacheTTL)
	logger.Debug("download: buffered %s (%s)", key, humanize.Bytes(uint64(len(body))))

	d.Body = io.NopCloser(bytes.NewReader(body))
	d.ContentLength = int64(len(body))
	return d, nil
}

func checkStatus(op string, status int) error {
	switch {
	case status >= 200 && status <= 299:
		return nil
	case status == http.StatusNotFound:
		return errs.Upstream(op, status, errs.ErrAssetNotFound)
	default:
		return errs.Upstream(op, status, nil)
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
