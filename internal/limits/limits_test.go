package limits

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestFluctuationRanges(t *testing.T) {
	bands, err := FluctuationRanges(600)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bands) != 2 {
		t.Fatalf("expected 2 bands for 600s, got %d", len(bands))
	}
	if !bands[1].Payout.Equal(d(0.75)) {
		t.Errorf("expected payout 0.75, got %s", bands[1].Payout)
	}
	if !bands[1].PayoutRate().Equal(d(1.75)) {
		t.Errorf("expected payout rate 1.75, got %s", bands[1].PayoutRate())
	}

	for _, dur := range Durations {
		if _, err := FluctuationRanges(dur); err != nil {
			t.Errorf("duration %d: unexpected error %v", dur, err)
		}
	}

	if _, err := FluctuationRanges(90); !errors.Is(err, ErrUnknownDuration) {
		t.Errorf("expected ErrUnknownDuration, got %v", err)
	}
}

func TestFluctuationRanges_ReturnsCopy(t *testing.T) {
	bands, _ := FluctuationRanges(60)
	bands[0].Label = "mutated"

	again, _ := FluctuationRanges(60)
	if again[0].Label == "mutated" {
		t.Error("table was mutated through returned slice")
	}
}

func TestLookup(t *testing.T) {
	b, ok := Lookup(120, d(0.01))
	if !ok {
		t.Fatal("expected 0.01 band for 120s")
	}
	if !b.PayoutRate().Equal(d(1.176)) {
		t.Errorf("expected payout rate 1.176, got %s", b.PayoutRate())
	}
	if _, ok := Lookup(120, d(0.5)); ok {
		t.Error("0.5 band is only offered for 600s")
	}
}

func TestPurchaseRange(t *testing.T) {
	r := PurchaseRangeFor(120)
	if !r.Min.Equal(d(10000)) || !r.Max.Equal(d(300000)) {
		t.Errorf("unexpected 120s range %s..%s", r.Min, r.Max)
	}
	if !r.Contains(d(10000)) || !r.Contains(d(300000)) {
		t.Error("bounds should be inclusive")
	}
	if r.Contains(d(9999.99)) {
		t.Error("stake below min accepted")
	}

	def := PurchaseRangeFor(75)
	if !def.Min.Equal(d(100)) || !def.Max.Equal(d(50000)) {
		t.Errorf("unexpected default range %s..%s", def.Min, def.Max)
	}
}

func TestExposure_WithinLimits(t *testing.T) {
	l := NewExposureLimiter(d(1000), d(5000))
	if err := l.Check("BTCUSDT", "BTC", d(100), nil); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestExposure_PerInstrumentExceeded(t *testing.T) {
	l := NewExposureLimiter(d(1000), d(5000))
	existing := []Exposure{{Instrument: "BTCUSDT", Base: "BTC", Stake: d(950)}}

	err := l.Check("BTCUSDT", "BTC", d(100), existing)
	if err != ErrInstrumentLimitExceeded {
		t.Errorf("expected ErrInstrumentLimitExceeded, got %v", err)
	}
}

func TestExposure_CorrelatedExceeded(t *testing.T) {
	l := NewExposureLimiter(d(1000), d(1500))
	existing := []Exposure{
		{Instrument: "BTCUSDT", Base: "BTC", Stake: d(800)},
		{Instrument: "BTCUSDC", Base: "BTC", Stake: d(600)},
		{Instrument: "ETHUSDT", Base: "ETH", Stake: d(900)},
	}

	// 800 + 600 + 200 = 1600 > 1500; ETH exposure is not correlated.
	err := l.Check("BTCUSDC", "BTC", d(200), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}

	if err := l.Check("ETHUSDC", "ETH", d(500), existing); err != nil {
		t.Errorf("expected no error for ETH, got %v", err)
	}
}

func TestExposure_ZeroDisables(t *testing.T) {
	l := NewExposureLimiter(decimal.Zero, decimal.Zero)
	existing := []Exposure{{Instrument: "BTCUSDT", Base: "BTC", Stake: d(1e9)}}
	if err := l.Check("BTCUSDT", "BTC", d(1e9), existing); err != nil {
		t.Errorf("expected disabled limiter to pass, got %v", err)
	}

	var nilLimiter *ExposureLimiter
	if err := nilLimiter.Check("BTCUSDT", "BTC", d(1), nil); err != nil {
		t.Errorf("nil limiter should pass, got %v", err)
	}
}
