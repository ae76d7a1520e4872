// Package ratelimit paces connector API calls with a token bucket per key.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawlcore/internal/metrics"
)

// Config holds the default rate and per-key overrides.
type Config struct {
	RPS   float64            `mapstructure:"rps"`
	Burst int                `mapstructure:"burst"`
	Keys  map[string]float64 `mapstructure:"keys"`
}

// Limiter manages one token bucket per key, created on first use.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rates    map[string]rate.Limit
	fallback rate.Limit
	burst    int
}

// New creates a Limiter. A non-positive RPS disables pacing.
func New(cfg Config) *Limiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	rates := make(map[string]rate.Limit, len(cfg.Keys))
	for key, rps := range cfg.Keys {
		rates[normalize(key)] = toLimit(rps)
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rates:    rates,
		fallback: toLimit(cfg.RPS),
		burst:    burst,
	}
}

// Wait blocks until a token is available for key or ctx ends.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	key = normalize(key)
	limiter := l.get(key)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait %q: %w", key, err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(key, waited)
	}
	return nil
}

// Limit reports the effective rate for key.
func (l *Limiter) Limit(key string) rate.Limit {
	return l.get(normalize(key)).Limit()
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.limiters[key]
	if !ok {
		r, override := l.rates[key]
		if !override {
			r = l.fallback
		}
		limiter = rate.NewLimiter(r, l.burst)
		l.limiters[key] = limiter
	}
	return limiter
}

func toLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func normalize(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "default"
	}
	return key
}
