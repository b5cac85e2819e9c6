// Package instrument parses and validates trading pair symbols such as
// BTCUSDT, BTC-USDT or BTC/USDT into their base and quote assets.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote assets, longest first so USDT wins over USD.
var quoteAssets = []string{"USDT", "USDC", "USD", "BTC", "ETH"}

// symbolRegex matches an optionally separated pair: BTCUSDT, btc-usdt, ETH/BTC.
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[-/_]?([A-Z]{3,4})$`)

var (
	ErrInvalidSymbol = errors.New("instrument: invalid symbol format")
	ErrUnknownQuote  = errors.New("instrument: unsupported quote asset")
)

// Instrument is a parsed trading pair.
type Instrument struct {
	Symbol string `json:"symbol"` // canonical form, e.g. BTCUSDT
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// String returns the canonical symbol.
func (i Instrument) String() string { return i.Symbol }

// Parse normalizes and validates a symbol.
// Accepted forms: BTCUSDT, BTC-USDT, BTC/USDT, BTC_USDT (case-insensitive).
func Parse(symbol string) (*Instrument, error) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidSymbol)
	}

	if i := strings.IndexAny(s, "-/_"); i > 0 {
		base, quote := s[:i], s[i+1:]
		if !symbolRegex.MatchString(s) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
		}
		if !knownQuote(quote) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, quote)
		}
		if base == quote {
			return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
		}
		return &Instrument{Symbol: base + quote, Base: base, Quote: quote}, nil
	}

	if !symbolRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, symbol)
	}
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q)+1 {
			base := strings.TrimSuffix(s, q)
			if base == q {
				continue
			}
			return &Instrument{Symbol: s, Base: base, Quote: q}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQuote, symbol)
}

// Normalize returns the canonical symbol, or the input unchanged when it
// does not parse.
func Normalize(symbol string) string {
	inst, err := Parse(symbol)
	if err != nil {
		return symbol
	}
	return inst.Symbol
}

func knownQuote(q string) bool {
	for _, s := range quoteAssets {
		if s == q {
			return true
		}
	}
	return false
}
