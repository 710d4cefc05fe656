package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MrSnakeDoc/ghrelay/internal/logger"
)

// DefaultTTL applies when Set is called with a non-positive ttl.
const DefaultTTL = time.Hour

// Cache is an in-memory key/value store with per-entry expiry. There is no
// size bound; entries only leave through expiry, Delete, Clear or Reset.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	stats   Stats
	now     func() time.Time
	name    string
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Stats are running counters. Size is the number of live entries at the
// time Stats was called.
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Sets    uint64 `json:"sets"`
	Deletes uint64 `json:"deletes"`
	Size    int    `json:"size"`
}

type Option func(*options)

type options struct {
	now  func() time.Time
	name string
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithName labels log lines emitted by the cache.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

func New[V any](opts ...Option) *Cache[V] {
	o := options{now: time.Now, name: "cache"}
	for _, opt := range opts {
		opt(&o)
	}
	return &Cache[V]{
		entries: make(map[string]entry[V]),
		now:     o.now,
		name:    o.name,
	}
}

// Set stores value under key until now+ttl, replacing any existing entry.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(ttl)}
	c.stats.Sets++
}

// Get returns the live value for key. An expired entry is removed and
// reported as a miss.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		c.stats.Misses++
		return zero, false
	}
	c.stats.Hits++
	return e.value, true
}

// Delete removes key and reports whether it was present.
func (c *Cache[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Deletes++
	return true
}

// DeletePrefix removes every key starting with prefix and returns how many
// were removed.
func (c *Cache[V]) DeletePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	c.stats.Deletes += uint64(n)
	return n
}

// Clear drops all entries and returns the number removed. Counters are kept.
func (c *Cache[V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	return n
}

// Reset drops all entries, zeroes the counters and returns the number of
// entries removed.
func (c *Cache[V]) Reset() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]entry[V])
	c.stats = Stats{}
	return n
}

// Sweep evicts expired entries and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	if n > 0 {
		logger.Debug("%s: swept %d expired entries", c.name, n)
	}
	return n
}

// Stats returns the counters. Expired entries not yet swept are not
// counted in Size.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	now := c.now()
	for _, e := range c.entries {
		if !now.After(e.expiresAt) {
			s.Size++
		}
	}
	return s
}

// Keys returns the live keys, sorted.
func (c *Cache[V]) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	keys := make([]string, 0, len(c.entries))
	for k, e := range c.entries {
		if !now.After(e.expiresAt) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
