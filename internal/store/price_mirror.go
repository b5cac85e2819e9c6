package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// RedisPriceMirror keeps the latest price per instrument in a Redis hash at
// "price:{instrument}" with fields price, volume and ts (unix nanoseconds).
type RedisPriceMirror struct {
	rdb *redis.Client
}

// NewRedisPriceMirror creates a mirror on rdb.
func NewRedisPriceMirror(rdb *redis.Client) *RedisPriceMirror {
	return &RedisPriceMirror{rdb: rdb}
}

func priceKey(instrument string) string {
	return "price:" + instrument
}

// SaveLatest stores s unless a newer sample is already mirrored.
func (m *RedisPriceMirror) SaveLatest(ctx context.Context, s model.PriceSample) error {
	key := priceKey(s.Instrument)

	cur, err := m.rdb.HGet(ctx, key, "ts").Int64()
	if err == nil && cur > s.Timestamp.UnixNano() {
		return nil
	}

	fields := map[string]interface{}{
		"price":  s.Price.String(),
		"volume": s.Volume.String(),
		"ts":     strconv.FormatInt(s.Timestamp.UnixNano(), 10),
	}
	if err := m.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", s.Instrument, err)
	}
	return nil
}

// LoadLatest returns the mirrored sample. Returns model.ErrNotFound when the
// instrument was never mirrored.
func (m *RedisPriceMirror) LoadLatest(ctx context.Context, instrument string) (model.PriceSample, error) {
	vals, err := m.rdb.HGetAll(ctx, priceKey(instrument)).Result()
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("redis: get price %s: %w", instrument, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return model.PriceSample{}, model.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("redis: parse price %s: %w", instrument, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return model.PriceSample{}, fmt.Errorf("redis: parse ts %s: %w", instrument, err)
	}
	volume, _ := decimal.NewFromString(vals["volume"])

	return model.PriceSample{
		Instrument: instrument,
		Price:      price,
		Volume:     volume,
		Timestamp:  time.Unix(0, tsNano),
	}, nil
}
