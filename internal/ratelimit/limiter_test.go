package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wattguard.io/internal/auth"
)

type allower interface {
	Allow(ctx context.Context, principalID, class string, roles []string) error
}

var testConfig = Config{
	Window:        time.Minute,
	StandardLimit: 3,
	ElevatedLimit: 5,
	ElevatedRoles: []string{"admin", "super_admin"},
}

func newRedisLimiter(t *testing.T, now *time.Time) *Limiter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	l, err := New(rdb, testConfig)
	require.NoError(t, err)
	l.now = func() time.Time { return *now }
	return l
}

func newMemoryLimiter(t *testing.T, now *time.Time) *MemoryLimiter {
	t.Helper()
	l, err := NewMemory(testConfig)
	require.NoError(t, err)
	l.now = func() time.Time { return *now }
	return l
}

func limiters(t *testing.T, now *time.Time) map[string]allower {
	return map[string]allower{
		"redis":  newRedisLimiter(t, now),
		"memory": newMemoryLimiter(t, now),
	}
}

func TestStandardTierLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, l := range limiters(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 3; i++ {
				require.NoError(t, l.Allow(ctx, "u1", "api", []string{"viewer"}))
			}
			err := l.Allow(ctx, "u1", "api", []string{"viewer"})
			require.ErrorIs(t, err, auth.ErrRateLimited)
			var rl *auth.RateLimitError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, time.Minute, rl.RetryAfter)

			assert.NoError(t, l.Allow(ctx, "u2", "api", nil), "other principals have their own window")
			assert.NoError(t, l.Allow(ctx, "u1", "login", nil), "endpoint classes are independent")
		})
	}
}

func TestElevatedTier(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, l := range limiters(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 5; i++ {
				require.NoError(t, l.Allow(ctx, "boss", "api", []string{"operator", "admin"}))
			}
			require.ErrorIs(t, l.Allow(ctx, "boss", "api", []string{"admin"}), auth.ErrRateLimited)
		})
	}
}

func TestWindowSlides(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	for name, l := range limiters(t, &now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now = start
			require.NoError(t, l.Allow(ctx, "u1", "api", nil))
			now = start.Add(20 * time.Second)
			require.NoError(t, l.Allow(ctx, "u1", "api", nil))
			require.NoError(t, l.Allow(ctx, "u1", "api", nil))

			err := l.Allow(ctx, "u1", "api", nil)
			var rl *auth.RateLimitError
			require.True(t, errors.As(err, &rl))
			assert.Equal(t, 40*time.Second, rl.RetryAfter, "retry after points at the oldest entry leaving the window")

			now = start.Add(61 * time.Second)
			require.NoError(t, l.Allow(ctx, "u1", "api", nil))
			require.ErrorIs(t, l.Allow(ctx, "u1", "api", nil), auth.ErrRateLimited)
		})
	}
}

func TestConcurrentBurstAdmitsExactlyLimit(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for name, l := range limiters(t, &now) {
		t.Run(name, func(t *testing.T) {
			var (
				wg       sync.WaitGroup
				admitted atomic.Int32
			)
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if l.Allow(context.Background(), "burst", "api", nil) == nil {
						admitted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(3), admitted.Load())
		})
	}
}

func TestConfigValidation(t *testing.T) {
	_, err := NewMemory(Config{Window: 0, StandardLimit: 1, ElevatedLimit: 1})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	tier, limit := testConfig.Tier([]string{"super_admin"})
	assert.Equal(t, TierElevated, tier)
	assert.Equal(t, 5, limit)
}
