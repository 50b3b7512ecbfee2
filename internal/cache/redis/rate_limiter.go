package redis

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

//go:embed scripts/sliding_window.lua
var slidingWindowLua string

const waitPollInterval = 50 * time.Millisecond

var _ domain.RateLimiter = (*RateLimiter)(nil)

// Policy is a request budget: Limit requests per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// RateLimiter implements domain.RateLimiter as a sliding window over a
// sorted set, updated atomically by a Lua script. Every process that shares
// the server shares the budget.
type RateLimiter struct {
	c      *Client
	script *redis.Script
	now    func() time.Time

	mu       sync.RWMutex
	policies map[string]Policy
	fallback Policy
}

// NewRateLimiter creates a RateLimiter. Wait uses fallback for keys without
// a policy.
func NewRateLimiter(c *Client, fallback Policy) *RateLimiter {
	if fallback.Limit <= 0 || fallback.Window <= 0 {
		fallback = Policy{Limit: 10, Window: time.Second}
	}
	return &RateLimiter{
		c:        c,
		script:   redis.NewScript(slidingWindowLua),
		now:      time.Now,
		policies: make(map[string]Policy),
		fallback: fallback,
	}
}

// SetPolicy sets the budget Wait enforces for key.
func (rl *RateLimiter) SetPolicy(key string, p Policy) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.policies[key] = p
}

func (rl *RateLimiter) policy(key string) Policy {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if p, ok := rl.policies[key]; ok {
		return p
	}
	return rl.fallback
}

// Allow counts one request against key and reports whether it fits in the
// window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	res, err := rl.script.Run(ctx, rl.c.rdb,
		[]string{rl.c.Key("ratelimit:" + key)},
		rl.now().UnixMicro(), window.Microseconds(), limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit allow %s: %w", key, err)
	}
	if len(res) < 2 {
		return false, fmt.Errorf("redis: rate limit allow %s: unexpected reply of %d values", key, len(res))
	}
	return res[0] == 1, nil
}

// Wait blocks until key's policy admits a request or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, key string) error {
	p := rl.policy(key)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("redis: rate limit wait %s: %w", key, ctx.Err())
		case <-timer.C:
		}
		ok, err := rl.Allow(ctx, key, p.Limit, p.Window)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		timer.Reset(waitPollInterval)
	}
}
