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

//go:embed scripts/unlock.lua
var unlockLua string

var _ domain.LockManager = (*LockManager)(nil)

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked release, so a holder never releases someone else's lock.
type LockManager struct {
	c      *Client
	unlock *redis.Script
}

// NewLockManager creates a LockManager.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		c:      c,
		unlock: redis.NewScript(unlockLua),
	}
}

// Acquire takes key for ttl. It returns domain.ErrLockHeld when another
// holder has it. The returned unlock func is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key(key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done.
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlock.Run(uctx, lm.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}
