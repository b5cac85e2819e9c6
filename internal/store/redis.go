package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/trade-engine/internal/model"
)

// setIfVersionLua fills a cache key only while its version counter still
// holds the value read before the primary was queried.
const setIfVersionLua = `
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v == tonumber(ARGV[1]) then
    if tonumber(ARGV[3]) > 0 then
        redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
    else
        redis.call('SET', KEYS[2], ARGV[2])
    end
    return 1
end
return 0
`

// versionTTL bounds how long an untouched version counter is kept.
const versionTTL = 24 * time.Hour

// cacheBackend is the part of Redis the read-through cache relies on. Every
// invalidation bumps a per-key version; a fill is dropped when the version
// moved between reading it and writing the value.
type cacheBackend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Version(ctx context.Context, key string) (int64, error)
	SetIfVersion(ctx context.Context, key string, version int64, data []byte, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

type redisBackend struct {
	rdb   *redis.Client
	setSc *redis.Script
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return b.rdb.Get(ctx, key).Bytes()
}

func (b *redisBackend) Version(ctx context.Context, key string) (int64, error) {
	v, err := b.rdb.Get(ctx, versionKey(key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

func (b *redisBackend) SetIfVersion(ctx context.Context, key string, version int64, data []byte, ttl time.Duration) error {
	err := b.setSc.Run(ctx, b.rdb, []string{versionKey(key), key}, version, data, ttl.Milliseconds()).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (b *redisBackend) Invalidate(ctx context.Context, keys ...string) error {
	_, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, k := range keys {
			pipe.Incr(ctx, versionKey(k))
			pipe.Expire(ctx, versionKey(k), versionTTL)
		}
		pipe.Del(ctx, keys...)
		return nil
	})
	return err
}

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Methods not overridden
// here pass straight through to the primary.
type CachedStore struct {
	Store
	cache cacheBackend
	ttl   time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return newCachedStore(primary, &redisBackend{rdb: rdb, setSc: redis.NewScript(setIfVersionLua)}, ttl)
}

func newCachedStore(primary Store, cache cacheBackend, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: primary, cache: cache, ttl: ttl}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ApplyWalletTx(ctx context.Context, tx *WalletTx) (bool, error) {
	applied, err := s.Store.ApplyWalletTx(ctx, tx)
	if err != nil {
		return false, err
	}
	if applied {
		s.invalidate(ctx, balanceCacheKey(tx.UserID, tx.Asset), balancesKey(tx.UserID))
	}
	return applied, nil
}

func (s *CachedStore) UpdateOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error {
	if err := s.Store.UpdateOrder(ctx, o, from); err != nil {
		return err
	}
	s.invalidate(ctx, orderKey(o.ID))
	return nil
}

func (s *CachedStore) UpsertUserOutcome(ctx context.Context, uo *model.UserOutcome) error {
	if err := s.Store.UpsertUserOutcome(ctx, uo); err != nil {
		return err
	}
	s.invalidate(ctx, userOutcomeKey(uo.UserID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetBalance(ctx context.Context, userID, asset string) (model.WalletBalance, error) {
	var b model.WalletBalance
	err := readThrough(ctx, s, balanceCacheKey(userID, asset), &b, func() (bool, error) {
		var err error
		b, err = s.Store.GetBalance(ctx, userID, asset)
		return true, err
	})
	return b, err
}

func (s *CachedStore) ListBalances(ctx context.Context, userID string) ([]model.WalletBalance, error) {
	var bs []model.WalletBalance
	err := readThrough(ctx, s, balancesKey(userID), &bs, func() (bool, error) {
		var err error
		bs, err = s.Store.ListBalances(ctx, userID)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	return bs, nil
}

// GetOrder caches only terminal orders; those never change again.
func (s *CachedStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	var o *model.Order
	err := readThrough(ctx, s, orderKey(id), &o, func() (bool, error) {
		var err error
		o, err = s.Store.GetOrder(ctx, id)
		return err == nil && o.Status.Terminal(), err
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *CachedStore) GetUserOutcome(ctx context.Context, userID string) (*model.UserOutcome, error) {
	var uo *model.UserOutcome
	err := readThrough(ctx, s, userOutcomeKey(userID), &uo, func() (bool, error) {
		var err error
		uo, err = s.Store.GetUserOutcome(ctx, userID)
		return true, err
	})
	if err != nil {
		return nil, err
	}
	return uo, nil
}

// --- Cache helpers ---

// readThrough decodes key into dst on a hit. On a miss it records the key's
// version, calls load to fill dst from the primary and caches dst if load
// asks for it and no invalidation happened in between.
func readThrough(ctx context.Context, s *CachedStore, key string, dst any, load func() (bool, error)) error {
	if data, err := s.cache.Get(ctx, key); err == nil && json.Unmarshal(data, dst) == nil {
		return nil
	}

	ver, verErr := s.cache.Version(ctx, key)
	cacheable, err := load()
	if err != nil {
		return err
	}
	if !cacheable || verErr != nil {
		return nil
	}
	if data, err := json.Marshal(dst); err == nil {
		_ = s.cache.SetIfVersion(ctx, key, ver, data, s.ttl)
	}
	return nil
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	_ = s.cache.Invalidate(ctx, keys...)
}

func orderKey(id string) string                { return fmt.Sprintf("order:%s", id) }
func balanceCacheKey(uid, asset string) string { return fmt.Sprintf("balance:%s:%s", uid, asset) }
func balancesKey(uid string) string            { return fmt.Sprintf("balances:%s", uid) }
func userOutcomeKey(uid string) string         { return fmt.Sprintf("outcome:%s", uid) }
func versionKey(key string) string             { return "ver:" + key }
