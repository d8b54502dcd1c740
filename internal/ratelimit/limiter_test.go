package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
)

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RateLimitConfig{RequestsPerSecond: 20, BurstSize: 4})
	assert.Equal(t, 20.0, cfg.RequestsPerSecond)
	assert.Equal(t, 4, cfg.BurstSize)

	cfg = FromConfig(config.RateLimitConfig{})
	assert.Equal(t, DefaultConfig().BurstSize, cfg.BurstSize)
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 10, BurstSize: 2})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limiter.Wait(ctx))
	require.NoError(t, limiter.Wait(ctx))
	assert.Less(t, time.Since(start), 50*time.Millisecond, "burst should not block")

	start = time.Now()
	require.NoError(t, limiter.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestLimiter_Unlimited(t *testing.T) {
	limiter := NewLimiter(Config{})
	for range 100 {
		assert.True(t, limiter.Allow())
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 10, MinDelay: 50 * time.Millisecond})
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, limiter.WaitForHost(ctx, "a.example.com"))
	require.NoError(t, limiter.WaitForHost(ctx, "b.example.com"))
	assert.Less(t, time.Since(start), 30*time.Millisecond, "different hosts do not wait on each other")

	require.NoError(t, limiter.WaitForHost(ctx, "a.example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, 2, limiter.Hosts())
}

func TestLimiter_WaitForHostQueues(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 10, MinDelay: 20 * time.Millisecond})

	var wg sync.WaitGroup
	start := time.Now()
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, limiter.WaitForHost(context.Background(), "example.com"))
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 55*time.Millisecond)
}

func TestLimiter_WaitForHostCancelled(t *testing.T) {
	limiter := NewLimiter(Config{RequestsPerSecond: 1000, BurstSize: 10, MinDelay: time.Second})
	require.NoError(t, limiter.WaitForHost(context.Background(), "example.com"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, limiter.WaitForHost(ctx, "example.com"), context.DeadlineExceeded)
}
