package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter paces outbound requests per host with token buckets.
type HostLimiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	observer     func(host string, wait time.Duration)
}

// HostConfig holds host limiter configuration.
type HostConfig struct {
	RequestsPerSecond float64
	Burst             int
	Observer          func(host string, wait time.Duration)
}

// NewHostLimiter creates a HostLimiter. A non-positive rate disables pacing.
func NewHostLimiter(cfg HostConfig) *HostLimiter {
	r := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HostLimiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  r,
		defaultBurst: burst,
		observer:     cfg.Observer,
	}
}

// Wait blocks until a token is available for the URL's host, respecting the context.
func (l *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(l.defaultRate, l.defaultBurst)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("host rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond && l.observer != nil {
		l.observer(host, waited)
	}
	return nil
}
