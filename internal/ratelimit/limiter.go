// Package ratelimit enforces per-source query quotas. Each source gets a
// token bucket sized from its hourly quota plus a failure-driven backoff
// window; dispatch skips a source rather than queueing behind it, so one
// slow or throttled source never stretches a job.
package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/numisworks/coinid/internal/model"
)

// Config holds backoff tuning for failing sources.
type Config struct {
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig returns the default backoff window bounds.
func DefaultConfig() Config {
	return Config{
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  time.Minute,
	}
}

// Limiter gates dispatch per source. The bucket capacity equals the
// source's rateLimitPerHour and refills continuously at capacity/3600 per
// second, so no source ever receives more than its quota in any rolling
// 60-minute window.
type Limiter struct {
	cfg Config
	now func() time.Time // injectable for testing

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu           sync.Mutex
	bucket       *rate.Limiter
	limitPerHour int
	failures     int
	backoffUntil time.Time
}

// New creates a Limiter.
func New(cfg Config) *Limiter {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	return &Limiter{
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// WithNow sets a fixed clock for testing the backoff window.
func (l *Limiter) WithNow(now func() time.Time) *Limiter {
	l.now = now
	return l
}

func (l *Limiter) entryFor(src model.ExternalSource) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[src.ID]
	if !ok || e.limitPerHour != src.RateLimitPerHour {
		// New source, or the admin changed its quota: (re)build the bucket.
		e = &entry{
			bucket:       rate.NewLimiter(rate.Limit(float64(src.RateLimitPerHour)/3600.0), src.RateLimitPerHour),
			limitPerHour: src.RateLimitPerHour,
		}
		if old, ok := l.entries[src.ID]; ok {
			e.failures = old.failures
			e.backoffUntil = old.backoffUntil
		}
		l.entries[src.ID] = e
	}
	return e
}

// Allow reports whether the source may be dispatched right now. It is
// non-blocking: when the backoff window is open or no token is available it
// returns false without consuming anything, and the caller skips the source
// for this aggregation pass.
func (l *Limiter) Allow(src model.ExternalSource) bool {
	e := l.entryFor(src)
	e.mu.Lock()
	defer e.mu.Unlock()

	if l.now().Before(e.backoffUntil) {
		zap.L().Debug("ratelimit: source in backoff window",
			zap.String("source", src.ID),
			zap.Time("until", e.backoffUntil),
		)
		return false
	}
	return e.bucket.Allow()
}

// OnFailure opens (or widens) the source's backoff window after a transient
// adapter failure. The window doubles per consecutive failure up to the
// configured maximum and is independent of the token bucket.
func (l *Limiter) OnFailure(src model.ExternalSource) {
	e := l.entryFor(src)
	e.mu.Lock()
	defer e.mu.Unlock()

	window := l.cfg.BackoffBase << e.failures
	if window > l.cfg.BackoffMax || window <= 0 {
		window = l.cfg.BackoffMax
	}
	e.failures++
	e.backoffUntil = l.now().Add(window)

	zap.L().Warn("ratelimit: backing off source",
		zap.String("source", src.ID),
		zap.Int("consecutive_failures", e.failures),
		zap.Duration("window", window),
	)
}

// OnSuccess closes the source's backoff window.
func (l *Limiter) OnSuccess(src model.ExternalSource) {
	e := l.entryFor(src)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = 0
	e.backoffUntil = time.Time{}
}
