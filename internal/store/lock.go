package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-engine/internal/model"
)

// unlockLua deletes a lock key only if its value matches the caller's token,
// so one holder never releases another holder's lock.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker is a distributed mutex built on SET NX with a TTL and a
// Lua-based conditional unlock. It guards settlement of one order across
// engine instances.
type RedisLocker struct {
	rdb      *redis.Client
	unlockSc *redis.Script
}

// NewRedisLocker creates a RedisLocker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		rdb:      rdb,
		unlockSc: redis.NewScript(unlockLua),
	}
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire obtains the lock for key with the given TTL. On success it returns
// an unlock function that is safe to call more than once. Returns
// model.ErrLockHeld if another owner holds the key.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.New().String()
	lk := lockKey(key)

	ok, err := l.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, model.ErrLockHeld
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Background context: unlock must succeed after the caller's ctx is done.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(unlockCtx, l.rdb, []string{lk}, token).Err()
	}
	return unlock, nil
}
