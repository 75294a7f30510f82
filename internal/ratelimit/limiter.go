// Package ratelimit enforces per-principal sliding-window request limits with a standard
// and an elevated tier.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/ids"
	"wattguard.io/internal/obs"
)

// Tier names used in metrics.
const (
	TierStandard = "standard"
	TierElevated = "elevated"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	Window        time.Duration
	StandardLimit int
	ElevatedLimit int
	ElevatedRoles []string
}

func (c Config) validate() error {
	if c.Window <= 0 || c.StandardLimit < 1 || c.ElevatedLimit < 1 {
		return fmt.Errorf("%w: rate limit window and limits must be positive", auth.ErrInvalidInput)
	}
	return nil
}

// Tier selects the tier for a principal holding roles.
func (c Config) Tier(roles []string) (string, int) {
	for _, have := range roles {
		for _, elevated := range c.ElevatedRoles {
			if have == elevated {
				return TierElevated, c.ElevatedLimit
			}
		}
	}
	return TierStandard, c.StandardLimit
}

// slidingWindowScript drops expired entries and admits the request only if the window has
// room, in one atomic step. Returns {allowed, retry_after_ms}.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= limit then
  local retry = window
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, 0}
`

var slidingWindowLua = redis.NewScript(slidingWindowScript)

// Limiter is a Redis sliding-window log limiter. Counters are shared by every instance.
type Limiter struct {
	rdb    redis.UniversalClient
	cfg    Config
	prefix string
	now    func() time.Time
}

// New creates a rate Limiter backed by the given Redis client.
func New(rdb redis.UniversalClient, cfg Config) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Limiter{rdb: rdb, cfg: cfg, prefix: "wg", now: time.Now}, nil
}

func (l *Limiter) key(class, principalID string) string {
	return l.prefix + ":rl:" + class + ":" + principalID
}

// Allow admits one request of class for principalID or returns *auth.RateLimitError.
// Rejected requests are not counted.
func (l *Limiter) Allow(ctx context.Context, principalID, class string, roles []string) error {
	tier, limit := l.cfg.Tier(roles)
	now := l.now().UnixMilli()
	res, err := slidingWindowLua.Run(ctx, l.rdb,
		[]string{l.key(class, principalID)},
		now,
		l.cfg.Window.Milliseconds(),
		limit,
		strconv.FormatInt(now, 10)+"-"+ids.New(),
	).Int64Slice()
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if len(res) != 2 {
		return errors.New("rate limit: unexpected script reply")
	}
	if res[0] == 1 {
		return nil
	}
	obs.ObserveRateLimited(class, tier)
	return &auth.RateLimitError{RetryAfter: retryAfter(time.Duration(res[1]) * time.Millisecond)}
}

func retryAfter(d time.Duration) time.Duration {
	if d < time.Second {
		return time.Second
	}
	return d.Round(time.Second)
}

// MemoryLimiter is the in-process equivalent of Limiter for single-instance deployments.
// Each key has its own lock.
type MemoryLimiter struct {
	cfg     Config
	now     func() time.Time
	windows sync.Map
}

type window struct {
	mu     sync.Mutex
	events []time.Time
}

// NewMemory creates an in-process limiter.
func NewMemory(cfg Config) (*MemoryLimiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &MemoryLimiter{cfg: cfg, now: time.Now}, nil
}

// Allow admits one request of class for principalID or returns *auth.RateLimitError.
func (m *MemoryLimiter) Allow(ctx context.Context, principalID, class string, roles []string) error {
	tier, limit := m.cfg.Tier(roles)
	v, _ := m.windows.LoadOrStore(class+":"+principalID, &window{})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()
	now := m.now()
	cutoff := now.Add(-m.cfg.Window)
	kept := w.events[:0]
	for _, t := range w.events {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.events = kept
	if len(w.events) >= limit {
		obs.ObserveRateLimited(class, tier)
		return &auth.RateLimitError{RetryAfter: retryAfter(w.events[0].Add(m.cfg.Window).Sub(now))}
	}
	w.events = append(w.events, now)
	return nil
}
