// Package pricecache keeps a bounded, time-ordered window of recent price
// samples per instrument and answers point-in-time lookups with a fixed
// tolerance.
package pricecache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// Tolerance is the maximum distance between a requested timestamp and the
// sample returned for it. Not configurable.
const Tolerance = time.Second

// DefaultCapacity is the number of samples retained per instrument.
const DefaultCapacity = 300

// Mirror is an optional durable copy of the latest price per instrument,
// consulted when the in-memory window has nothing for an instrument.
type Mirror interface {
	LoadLatest(ctx context.Context, instrument string) (model.PriceSample, error)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	samples  map[string][]model.PriceSample // sorted by Timestamp ascending
	mirror   Mirror
}

// New creates a cache retaining capacity samples per instrument.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		samples:  make(map[string][]model.PriceSample),
	}
}

// SetMirror attaches a fallback source for LatestPrice.
func (c *Cache) SetMirror(m Mirror) {
	c.mu.Lock()
	c.mirror = m
	c.mu.Unlock()
}

// Record stores a sample. Late samples are inserted in timestamp order; once
// the window is full the oldest sample is evicted.
func (c *Cache) Record(instrument string, ts time.Time, price, volume decimal.Decimal) {
	s := model.PriceSample{Instrument: instrument, Timestamp: ts, Price: price, Volume: volume}

	c.mu.Lock()
	defer c.mu.Unlock()

	buf := c.samples[instrument]
	if buf == nil {
		buf = make([]model.PriceSample, 0, c.capacity+1)
	}
	i := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp.After(ts) })
	if i == len(buf) {
		buf = append(buf, s)
	} else {
		buf = append(buf, model.PriceSample{})
		copy(buf[i+1:], buf[i:])
		buf[i] = s
	}
	if len(buf) > c.capacity {
		buf = trimFront(buf, len(buf)-c.capacity)
	}
	c.samples[instrument] = buf
}

// PriceAt returns the sample closest to ts, provided it lies within
// Tolerance. Equidistant neighbours resolve to the earlier sample.
func (c *Cache) PriceAt(instrument string, ts time.Time) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.samples[instrument]
	if len(buf) == 0 {
		return decimal.Zero, false
	}

	i := sort.Search(len(buf), func(i int) bool { return !buf[i].Timestamp.Before(ts) })
	best := -1
	var bestDiff time.Duration
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(buf) {
			continue
		}
		diff := absDuration(buf[j].Timestamp.Sub(ts))
		if best == -1 || diff < bestDiff {
			best, bestDiff = j, diff
		}
	}
	if best == -1 || bestDiff > Tolerance {
		return decimal.Zero, false
	}
	return buf[best].Price, true
}

// Latest returns the newest in-memory sample for instrument.
func (c *Cache) Latest(instrument string) (model.PriceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.samples[instrument]
	if len(buf) == 0 {
		return model.PriceSample{}, false
	}
	return buf[len(buf)-1], true
}

// LatestPrice returns the latest known live price, falling back to the
// mirror when the window is empty.
func (c *Cache) LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error) {
	if s, ok := c.Latest(instrument); ok {
		return s.Price, nil
	}

	c.mu.RLock()
	mirror := c.mirror
	c.mu.RUnlock()
	if mirror == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", model.ErrPriceUnavailable, instrument)
	}

	s, err := mirror.LoadLatest(ctx, instrument)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", model.ErrPriceUnavailable, instrument, err)
	}
	return s.Price, nil
}

// History returns samples with from <= ts <= to, oldest first.
func (c *Cache) History(instrument string, from, to time.Time) []model.PriceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buf := c.samples[instrument]
	lo := sort.Search(len(buf), func(i int) bool { return !buf[i].Timestamp.Before(from) })
	hi := sort.Search(len(buf), func(i int) bool { return buf[i].Timestamp.After(to) })
	if lo >= hi {
		return nil
	}
	out := make([]model.PriceSample, hi-lo)
	copy(out, buf[lo:hi])
	return out
}

// Prune drops samples older than before and forgets empty instruments.
// Returns the number of samples removed.
func (c *Cache) Prune(before time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for inst, buf := range c.samples {
		i := sort.Search(len(buf), func(i int) bool { return !buf[i].Timestamp.Before(before) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(buf) {
			delete(c.samples, inst)
			continue
		}
		c.samples[inst] = trimFront(buf, i)
	}
	return removed
}

// Instruments returns the instruments with at least one sample.
func (c *Cache) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.samples))
	for inst := range c.samples {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// trimFront drops the first n samples in place, keeping buf's backing array.
func trimFront(buf []model.PriceSample, n int) []model.PriceSample {
	m := copy(buf, buf[n:])
	clear(buf[m:])
	return buf[:m]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
