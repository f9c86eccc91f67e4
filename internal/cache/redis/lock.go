package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/murks3r/mexc-sniper-bot-sub011/internal/domain"
)

// releaseLua deletes the lock only while it still carries our token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX leases.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
	}
}

func lockKey(resource string) string {
	return keyPrefix + "lock:" + resource
}

// Acquire takes the lease for resource or returns domain.ErrLockHeld. The
// returned unlock func may be called any number of times.
func (lm *LockManager) Acquire(ctx context.Context, resource string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	key := lockKey(resource)

	ok, err := lm.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", resource, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", resource, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = lm.release.Run(rctx, lm.rdb, []string{key}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
