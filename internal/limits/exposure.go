package limits

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInstrumentLimitExceeded is returned when a trade would push open
	// stake on a single instrument beyond the per-instrument maximum.
	ErrInstrumentLimitExceeded = errors.New("limits: per-instrument open stake exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push open
	// stake across instruments sharing a base asset beyond the correlated
	// maximum.
	ErrCorrelatedLimitExceeded = errors.New("limits: correlated open stake exceeded")
)

// Exposure is a user's open stake on one instrument.
type Exposure struct {
	Instrument string
	Base       string
	Stake      decimal.Decimal
}

// ExposureLimiter caps a user's open stake.
//
// Instruments sharing a base asset (BTCUSDT, BTCUSDC) move together, so
// their stakes are summed against MaxCorrelated. A zero limit disables
// that check.
type ExposureLimiter struct {
	MaxPerInstrument decimal.Decimal
	MaxCorrelated    decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given limits.
func NewExposureLimiter(maxPerInstrument, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerInstrument: maxPerInstrument,
		MaxCorrelated:    maxCorrelated,
	}
}

// Check validates whether adding stake on instrument (with base asset base)
// keeps the user within limits, given the user's current open exposures.
func (l *ExposureLimiter) Check(instrument, base string, stake decimal.Decimal, existing []Exposure) error {
	if l == nil {
		return nil
	}

	onInstrument := stake
	correlated := stake
	for _, e := range existing {
		if e.Instrument == instrument {
			onInstrument = onInstrument.Add(e.Stake)
		}
		if e.Base == base {
			correlated = correlated.Add(e.Stake)
		}
	}

	if l.MaxPerInstrument.IsPositive() && onInstrument.GreaterThan(l.MaxPerInstrument) {
		return ErrInstrumentLimitExceeded
	}
	if l.MaxCorrelated.IsPositive() && correlated.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}
