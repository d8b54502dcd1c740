// Package ratelimit throttles outbound requests globally and per host so a
// wide fan-out does not hammer one target.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
)

type Limiter struct {
	global   *rate.Limiter
	minDelay time.Duration

	mu   sync.Mutex
	next map[string]time.Time
}

type Config struct {
	RequestsPerSecond float64
	BurstSize         int
	// MinDelay spaces requests to the same host.
	MinDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10,
		BurstSize:         5,
		MinDelay:          100 * time.Millisecond,
	}
}

// FromConfig maps the http.rate_limit section. A non-positive rate disables
// the global limit.
func FromConfig(cfg config.RateLimitConfig) Config {
	c := DefaultConfig()
	c.RequestsPerSecond = float64(cfg.RequestsPerSecond)
	if cfg.BurstSize > 0 {
		c.BurstSize = cfg.BurstSize
	}
	return c
}

func NewLimiter(cfg Config) *Limiter {
	limit := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		limit = rate.Inf
	}
	return &Limiter{
		global:   rate.NewLimiter(limit, max(cfg.BurstSize, 1)),
		minDelay: cfg.MinDelay,
		next:     make(map[string]time.Time),
	}
}

func (l *Limiter) Wait(ctx context.Context) error {
	return l.global.Wait(ctx)
}

// WaitForHost waits for the global limiter and then for the host's next
// free slot. The slot is reserved before sleeping so concurrent callers for
// the same host queue up behind each other.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	if l.minDelay <= 0 {
		return nil
	}

	l.mu.Lock()
	now := time.Now()
	slot := l.next[host]
	if slot.Before(now) {
		slot = now
	}
	l.next[host] = slot.Add(l.minDelay)
	l.mu.Unlock()

	wait := time.Until(slot)
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) Allow() bool {
	return l.global.Allow()
}

func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.next)
}
