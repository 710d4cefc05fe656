package rotator

import (
	"strings"
	"sync"
	"time"
)

// DefaultUnhealthyThreshold is the number of consecutive failures after
// which a token is skipped by Next.
const DefaultUnhealthyThreshold = 5

const redactedPrefixLen = 8

// TokenHealth tracks the outcome history of one token.
type TokenHealth struct {
	Requests            uint64     `json:"requests"`
	Successes           uint64     `json:"successes"`
	ConsecutiveFailures uint64     `json:"consecutive_failures"`
	LastUsedAt          *time.Time `json:"last_used_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
}

// TokenStat is TokenHealth labelled with the redacted token.
type TokenStat struct {
	Token   string `json:"token"`
	Healthy bool   `json:"healthy"`
	TokenHealth
}

// Snapshot is a point-in-time copy of the rotator state, safe to expose.
type Snapshot struct {
	TotalTokens  int         `json:"total_tokens"`
	Tokens       []string    `json:"tokens"`
	PerToken     []TokenStat `json:"stats"`
	CurrentIndex int         `json:"current_index"`
}

// Rotator hands out tokens round-robin, skipping tokens that keep failing.
type Rotator struct {
	mu        sync.Mutex
	tokens    []string
	health    []TokenHealth
	index     map[string]int
	current   int
	threshold uint64
	now       func() time.Time
}

type Option func(*Rotator)

func WithUnhealthyThreshold(n int) Option {
	return func(r *Rotator) {
		if n > 0 {
			r.threshold = uint64(n)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Rotator) { r.now = now }
}

// New builds a rotator over tokens, in order. Blank and duplicate tokens are
// dropped. An empty rotator is valid and means "call upstream anonymously".
func New(tokens []string, opts ...Option) *Rotator {
	r := &Rotator{
		index:     make(map[string]int),
		threshold: DefaultUnhealthyThreshold,
		now:       time.Now,
	}
	for _, t := range tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := r.index[t]; dup {
			continue
		}
		r.index[t] = len(r.tokens)
		r.tokens = append(r.tokens, t)
	}
	r.health = make([]TokenHealth, len(r.tokens))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ParseTokens splits a configuration value holding tokens separated by
// commas, newlines or spaces.
func ParseTokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r' || r == ' ' || r == '\t'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Len returns the number of configured tokens.
func (r *Rotator) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Next returns the next usable token. ok is false only when no tokens are
// configured. When every token is unhealthy the first one is returned anyway.
func (r *Rotator) Next() (token string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.tokens)
	if n == 0 {
		return "", false
	}

	chosen := -1
	for attempts := 0; attempts < n; attempts++ {
		i := r.current
		r.current = (r.current + 1) % n
		if r.health[i].ConsecutiveFailures < r.threshold {
			chosen = i
			break
		}
	}
	if chosen < 0 {
		chosen = 0
	}

	now := r.now()
	h := &r.health[chosen]
	h.Requests++
	h.LastUsedAt = &now
	return r.tokens[chosen], true
}

// RecordResult updates the health of token after an attempt. Unknown tokens
// are ignored.
func (r *Rotator) RecordResult(token string, success bool, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[token]
	if !ok {
		return
	}
	h := &r.health[i]
	if success {
		h.Successes++
		h.ConsecutiveFailures = 0
		return
	}
	h.ConsecutiveFailures++
	h.LastError = errMsg
}

// Reset clears the failure state of token.
func (r *Rotator) Reset(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i, ok := r.index[token]
	if !ok {
		return false
	}
	r.health[i].ConsecutiveFailures = 0
	r.health[i].LastError = ""
	return true
}

// ResetAll clears the failure state of every token.
func (r *Rotator) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.health {
		r.health[i].ConsecutiveFailures = 0
		r.health[i].LastError = ""
	}
}

func (r *Rotator) Stats() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		TotalTokens:  len(r.tokens),
		Tokens:       make([]string, len(r.tokens)),
		PerToken:     make([]TokenStat, len(r.tokens)),
		CurrentIndex: r.current,
	}
	for i, t := range r.tokens {
		h := r.health[i]
		if h.LastUsedAt != nil {
			ts := *h.LastUsedAt
			h.LastUsedAt = &ts
		}
		s.Tokens[i] = Redact(t)
		s.PerToken[i] = TokenStat{
			Token:       s.Tokens[i],
			Healthy:     h.ConsecutiveFailures < r.threshold,
			TokenHealth: h,
		}
	}
	return s
}

// Redact returns the displayable form of a token: its first 8 characters
// followed by "...". Tokens of 8 characters or fewer keep only half.
func Redact(token string) string {
	n := redactedPrefixLen
	if len(token) <= n {
		n = len(token) / 2
	}
	return token[:n] + "..."
}
