// Package ratelimit paces requests with one token bucket per host.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config sizes every host bucket. A non-positive RPS disables limiting.
type Config struct {
	RPS   float64
	Burst int
}

// Limiter hands out tokens per host.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	observe  func(host string, waited time.Duration)
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithWaitObserver reports every wait that actually blocked.
func WithWaitObserver(fn func(host string, waited time.Duration)) Option {
	return func(l *Limiter) { l.observe = fn }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	limit := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	l := &Limiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wait blocks until host has a token or ctx is done.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l == nil || l.limit == rate.Inf {
		return nil
	}
	host = strings.ToLower(host)
	l.mu.Lock()
	limiter, ok := l.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Immediate grants are not interesting.
	if waited := time.Since(start); waited > time.Millisecond && l.observe != nil {
		l.observe(host, waited)
	}
	return nil
}
