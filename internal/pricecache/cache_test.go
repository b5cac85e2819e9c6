package pricecache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/pricecache"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPriceAt_WithinTolerance(t *testing.T) {
	c := pricecache.New(10)
	c.Record("BTCUSDT", t0, d(100), d(1))
	c.Record("BTCUSDT", t0.Add(2*time.Second), d(102), d(1))

	p, ok := c.PriceAt("BTCUSDT", t0.Add(800*time.Millisecond))
	require.True(t, ok)
	assert.True(t, p.Equal(d(100)))

	p, ok = c.PriceAt("BTCUSDT", t0.Add(1600*time.Millisecond))
	require.True(t, ok)
	assert.True(t, p.Equal(d(102)))

	// Exactly 1s away is still within tolerance.
	p, ok = c.PriceAt("BTCUSDT", t0.Add(3*time.Second))
	require.True(t, ok)
	assert.True(t, p.Equal(d(102)))
}

func TestPriceAt_OutsideTolerance(t *testing.T) {
	c := pricecache.New(10)
	c.Record("BTCUSDT", t0, d(100), d(1))

	_, ok := c.PriceAt("BTCUSDT", t0.Add(1001*time.Millisecond))
	assert.False(t, ok)

	_, ok = c.PriceAt("ETHUSDT", t0)
	assert.False(t, ok, "unknown instrument")
}

func TestRecord_EvictsOldest(t *testing.T) {
	c := pricecache.New(3)
	for i := 0; i < 5; i++ {
		c.Record("BTCUSDT", t0.Add(time.Duration(i)*time.Second), d(float64(100+i)), d(1))
	}

	h := c.History("BTCUSDT", t0, t0.Add(time.Minute))
	require.Len(t, h, 3)
	assert.True(t, h[0].Price.Equal(d(102)))
	assert.True(t, h[2].Price.Equal(d(104)))

	_, ok := c.PriceAt("BTCUSDT", t0)
	assert.False(t, ok, "evicted sample must not be served")
}

func TestRecord_FullWindowKeepsBuffer(t *testing.T) {
	c := pricecache.New(3)
	for i := 0; i < 3; i++ {
		c.Record("BTCUSDT", t0.Add(time.Duration(i)*time.Second), d(float64(100+i)), d(1))
	}
	want := c.BufferCap("BTCUSDT")
	require.Equal(t, 4, want)

	for i := 3; i < 50; i++ {
		c.Record("BTCUSDT", t0.Add(time.Duration(i)*time.Second), d(float64(100+i)), d(1))
		assert.Equal(t, want, c.BufferCap("BTCUSDT"))
	}
	// A late sample inserted into a full window also stays in place.
	c.Record("BTCUSDT", t0.Add(48500*time.Millisecond), d(1), d(1))
	assert.Equal(t, want, c.BufferCap("BTCUSDT"))

	h := c.History("BTCUSDT", t0, t0.Add(time.Minute))
	require.Len(t, h, 3)
	assert.True(t, h[0].Price.Equal(d(148)))
	assert.True(t, h[1].Price.Equal(d(1)))
	assert.True(t, h[2].Price.Equal(d(149)))
}

func TestRecord_OutOfOrderKeepsTimestampOrder(t *testing.T) {
	c := pricecache.New(10)
	c.Record("BTCUSDT", t0.Add(2*time.Second), d(102), d(1))
	c.Record("BTCUSDT", t0, d(100), d(1))
	c.Record("BTCUSDT", t0.Add(time.Second), d(101), d(1))

	h := c.History("BTCUSDT", t0, t0.Add(time.Minute))
	require.Len(t, h, 3)
	for i := 1; i < len(h); i++ {
		assert.True(t, h[i-1].Timestamp.Before(h[i].Timestamp))
	}

	latest, ok := c.Latest("BTCUSDT")
	require.True(t, ok)
	assert.True(t, latest.Price.Equal(d(102)))
}

func TestPrune(t *testing.T) {
	c := pricecache.New(10)
	c.Record("BTCUSDT", t0, d(100), d(1))
	c.Record("BTCUSDT", t0.Add(time.Hour), d(101), d(1))
	c.Record("ETHUSDT", t0, d(10), d(1))

	removed := c.Prune(t0.Add(time.Minute))
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"BTCUSDT"}, c.Instruments())
}

type fakeMirror struct {
	sample model.PriceSample
	err    error
}

func (m fakeMirror) LoadLatest(context.Context, string) (model.PriceSample, error) {
	return m.sample, m.err
}

func TestLatestPrice_Fallbacks(t *testing.T) {
	ctx := context.Background()
	c := pricecache.New(10)

	_, err := c.LatestPrice(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)

	c.SetMirror(fakeMirror{sample: model.PriceSample{Price: d(99)}})
	p, err := c.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(d(99)))

	c.Record("BTCUSDT", t0, d(100), d(1))
	p, err = c.LatestPrice(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, p.Equal(d(100)), "in-memory sample wins over mirror")

	c.SetMirror(fakeMirror{err: errors.New("redis down")})
	_, err = c.LatestPrice(ctx, "ETHUSDT")
	assert.ErrorIs(t, err, model.ErrPriceUnavailable)
}
