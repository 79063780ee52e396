// Package ratelimit limits model-backed dashboard calls per client. Each
// client key gets its own token bucket; idle buckets are dropped lazily.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when a client has exhausted its bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// idleAfter is how long an untouched bucket is kept.
const idleAfter = 10 * time.Minute

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // 0 = unlimited (Allow always succeeds).
	Burst             int // 0 = RequestsPerMinute.
}

// Limiter is a per-client token bucket limiter. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLimiter creates a limiter. A zero RequestsPerMinute disables it.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	var limit rate.Limit
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &Limiter{
		clients: make(map[string]*client),
		limit:   limit,
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether any limit is enforced.
func (l *Limiter) Enabled() bool { return l != nil && l.limit > 0 }

// Allow consumes one token for key, or returns ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[key] = c
	}
	c.lastSeen = now
	l.pruneLocked(now)

	if !c.limiter.AllowN(now, 1) {
		return ErrRateLimited
	}
	return nil
}

// Clients returns the number of tracked clients.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for key, c := range l.clients {
		if now.Sub(c.lastSeen) > idleAfter {
			delete(l.clients, key)
		}
	}
}
