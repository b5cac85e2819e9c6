package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType discriminates the Trade union and keys outcome policy.
type TradeType string

const (
	TradeSpot      TradeType = "spot"
	TradeFutures   TradeType = "futures"
	TradeOptions   TradeType = "options"
	TradeArbitrage TradeType = "arbitrage"
)

// TradeTypes lists every trade type in display order.
var TradeTypes = []TradeType{TradeSpot, TradeFutures, TradeOptions, TradeArbitrage}

// ParseTradeType validates s as a trade type.
func ParseTradeType(s string) (TradeType, error) {
	for _, t := range TradeTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", Invalid("trade_type", "unknown trade type %q", s)
}

// SpotTrade is an immediate exchange of base for quote asset.
type SpotTrade struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Pair       string          `json:"pair"`
	Side       PositionSide    `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// ContractStatus is the lifecycle of an arbitrage contract.
type ContractStatus string

const (
	ContractActive    ContractStatus = "active"
	ContractCompleted ContractStatus = "completed"
	ContractCancelled ContractStatus = "cancelled"
)

// Valid reports whether s is a known status.
func (s ContractStatus) Valid() bool {
	switch s {
	case ContractActive, ContractCompleted, ContractCancelled:
		return true
	}
	return false
}

// ArbitrageContract is a fixed-term arbitrage product subscription. The
// principal stays locked until the contract completes or is cancelled.
type ArbitrageContract struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ProductID      string          `json:"product_id"`
	ProductLabel   string          `json:"product_label"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	DailyRate      decimal.Decimal `json:"daily_rate"`
	DurationDays   int             `json:"duration_days"`
	ExpectedProfit decimal.Decimal `json:"expected_profit"`
	Profit         decimal.Decimal `json:"profit"` // credited at completion
	Status         ContractStatus  `json:"status"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	MaturesAt      time.Time       `json:"matures_at"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Trade is a discriminated union: exactly the variant named by Kind is set.
type Trade struct {
	Kind      TradeType          `json:"kind"`
	Spot      *SpotTrade         `json:"spot,omitempty"`
	Futures   *Position          `json:"futures,omitempty"`
	Options   *Order             `json:"options,omitempty"`
	Arbitrage *ArbitrageContract `json:"arbitrage,omitempty"`
}

// OptionsTrade wraps an order.
func OptionsTrade(o *Order) Trade { return Trade{Kind: TradeOptions, Options: o} }

// FuturesTrade wraps a position.
func FuturesTrade(p *Position) Trade { return Trade{Kind: TradeFutures, Futures: p} }

// ArbitrageTrade wraps an arbitrage contract.
func ArbitrageTrade(c *ArbitrageContract) Trade { return Trade{Kind: TradeArbitrage, Arbitrage: c} }

// Validate checks that exactly the variant matching Kind is populated.
func (t Trade) Validate() error {
	set := 0
	for _, ok := range []bool{t.Spot != nil, t.Futures != nil, t.Options != nil, t.Arbitrage != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("trade: %d variants set, want 1", set)
	}
	var match bool
	switch t.Kind {
	case TradeSpot:
		match = t.Spot != nil
	case TradeFutures:
		match = t.Futures != nil
	case TradeOptions:
		match = t.Options != nil
	case TradeArbitrage:
		match = t.Arbitrage != nil
	default:
		return fmt.Errorf("trade: unknown kind %q", t.Kind)
	}
	if !match {
		return fmt.Errorf("trade: kind %s does not match populated variant", t.Kind)
	}
	return nil
}

// ID returns the id of the populated variant.
func (t Trade) ID() string {
	switch t.Kind {
	case TradeSpot:
		return t.Spot.ID
	case TradeFutures:
		return t.Futures.ID
	case TradeOptions:
		return t.Options.ID
	case TradeArbitrage:
		return t.Arbitrage.ID
	}
	return ""
}

// Time returns the variant's opening timestamp, used to order history.
func (t Trade) Time() time.Time {
	switch t.Kind {
	case TradeSpot:
		return t.Spot.ExecutedAt
	case TradeFutures:
		return t.Futures.OpenedAt
	case TradeOptions:
		return t.Options.CreatedAt
	case TradeArbitrage:
		return t.Arbitrage.StartedAt
	}
	return time.Time{}
}

// TypeFlags enables a control per trade type.
type TypeFlags struct {
	Spot      bool `json:"spot"`
	Futures   bool `json:"futures"`
	Options   bool `json:"options"`
	Arbitrage bool `json:"arbitrage"`
}

// Has reports whether the flag for t is on.
func (f TypeFlags) Has(t TradeType) bool {
	switch t {
	case TradeSpot:
		return f.Spot
	case TradeFutures:
		return f.Futures
	case TradeOptions:
		return f.Options
	case TradeArbitrage:
		return f.Arbitrage
	}
	return false
}

// AllTypes returns flags with every trade type enabled.
func AllTypes() TypeFlags {
	return TypeFlags{Spot: true, Futures: true, Options: true, Arbitrage: true}
}

// UserOutcome is a per-user outcome override.
type UserOutcome struct {
	UserID    string    `json:"user_id"`
	Enabled   bool      `json:"enabled"`
	Outcome   Outcome   `json:"outcome"`
	Types     TypeFlags `json:"types"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TradeWindow forces an outcome for one user over a time range.
type TradeWindow struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Outcome   Outcome   `json:"outcome"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Types     TypeFlags `json:"types"`
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Covers reports whether the window is active at t.
func (w TradeWindow) Covers(t time.Time) bool {
	return w.Active && !t.Before(w.Start) && t.Before(w.End)
}

// PolicyMode selects how the system default outcome is chosen.
type PolicyMode string

const (
	PolicyFixed       PolicyMode = "fixed"
	PolicyProbability PolicyMode = "probability"
)

// PolicySettings is the system default outcome for one trade type.
type PolicySettings struct {
	TradeType      TradeType       `json:"trade_type"`
	Mode           PolicyMode      `json:"mode"`
	Outcome        Outcome         `json:"outcome,omitempty"`
	WinProbability decimal.Decimal `json:"win_probability"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Validate checks mode, outcome and probability bounds.
func (p PolicySettings) Validate() error {
	switch p.Mode {
	case PolicyFixed:
		if !p.Outcome.Valid() {
			return Invalid("outcome", "must be win or lose")
		}
	case PolicyProbability:
		if p.WinProbability.IsNegative() || p.WinProbability.GreaterThan(decimal.NewFromInt(1)) {
			return Invalid("win_probability", "must be within [0, 1]")
		}
	default:
		return Invalid("mode", "must be fixed or probability")
	}
	return nil
}

// AuditEvent records an administrative control change.
type AuditEvent struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}
