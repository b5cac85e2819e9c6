// Package limits holds the option product tables (fluctuation ranges and
// purchase ranges per duration) and the open-exposure limiter applied
// before any funds are locked.
package limits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// FluctuationRange is one selectable price-move band for a duration.
// Value is a percentage; Payout is the profit fraction paid on a win.
type FluctuationRange struct {
	Label  string          `json:"label"`
	Value  decimal.Decimal `json:"value"`
	Payout decimal.Decimal `json:"payout"`
}

// PayoutRate returns the stake multiplier returned on a win, 1 + Payout.
func (f FluctuationRange) PayoutRate() decimal.Decimal {
	return decimal.NewFromInt(1).Add(f.Payout)
}

// PurchaseRange bounds the stake accepted for a duration.
type PurchaseRange struct {
	Min decimal.Decimal `json:"min"`
	Max decimal.Decimal `json:"max"`
}

// Durations are the product durations in seconds.
var Durations = []int64{60, 120, 240, 360, 600}

var ErrUnknownDuration = errors.New("limits: unknown duration")

func band(label, value, payout string) FluctuationRange {
	return FluctuationRange{
		Label:  label,
		Value:  decimal.RequireFromString(value),
		Payout: decimal.RequireFromString(payout),
	}
}

func bounds(lo, hi int64) PurchaseRange {
	return PurchaseRange{Min: decimal.NewFromInt(lo), Max: decimal.NewFromInt(hi)}
}

var fluctuationTable = map[int64][]FluctuationRange{
	60:  {band("UP > 0.01%", "0.01", "0.176")},
	120: {band("UP > 0.01%", "0.01", "0.176")},
	240: {band("UP > 0.05%", "0.05", "0.328")},
	360: {band("UP > 0.1%", "0.1", "0.439")},
	600: {band("UP > 0.5%", "0.5", "0.516"), band("UP > 0.8%", "0.8", "0.75")},
}

var purchaseTable = map[int64]PurchaseRange{
	60:  bounds(100, 50000),
	120: bounds(10000, 300000),
	240: bounds(30000, 500000),
	360: bounds(50000, 1000000),
	600: bounds(100000, 9999999),
}

var defaultPurchase = bounds(100, 50000)

// FluctuationRanges returns the bands offered for a duration.
func FluctuationRanges(duration int64) ([]FluctuationRange, error) {
	bands, ok := fluctuationTable[duration]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownDuration, duration)
	}
	out := make([]FluctuationRange, len(bands))
	copy(out, bands)
	return out, nil
}

// PurchaseRangeFor returns the stake bounds for a duration. Durations outside
// the table fall back to the 60s bounds.
func PurchaseRangeFor(duration int64) PurchaseRange {
	if r, ok := purchaseTable[duration]; ok {
		return r
	}
	return defaultPurchase
}

// Contains reports whether stake lies within [Min, Max].
func (r PurchaseRange) Contains(stake decimal.Decimal) bool {
	return !stake.LessThan(r.Min) && !stake.GreaterThan(r.Max)
}

// Lookup returns the band with the given value for a duration.
func Lookup(duration int64, value decimal.Decimal) (FluctuationRange, bool) {
	for _, b := range fluctuationTable[duration] {
		if b.Value.Equal(value) {
			return b, true
		}
	}
	return FluctuationRange{}, false
}
