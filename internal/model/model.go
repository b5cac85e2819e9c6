// Package model defines the core domain types shared across the trade engine.
// Money and prices are shopspring/decimal throughout; float64 is never used for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a binary option.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// Valid reports whether d is UP or DOWN.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// OrderStatus is the lifecycle state of an option order.
type OrderStatus string

const (
	OrderScheduled OrderStatus = "SCHEDULED"
	OrderActive    OrderStatus = "ACTIVE"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled
}

// CanTransition reports whether from → to is a forward transition of the
// order state machine. Status never regresses.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case OrderScheduled:
		return to == OrderActive || to == OrderCancelled
	case OrderActive:
		return to == OrderCompleted
	}
	return false
}

// Outcome is the resolved result of a settlement.
type Outcome string

const (
	OutcomeWin  Outcome = "win"
	OutcomeLose Outcome = "lose"
)

// Valid reports whether o is win or lose.
func (o Outcome) Valid() bool {
	return o == OutcomeWin || o == OutcomeLose
}

// Order is a binary option order. EndTime = StartTime + DurationSeconds and
// PnL is written exactly once, at COMPLETED.
type Order struct {
	ID               string           `json:"id" db:"id"`
	UserID           string           `json:"user_id" db:"user_id"`
	Instrument       string           `json:"instrument" db:"instrument"`
	Asset            string           `json:"asset" db:"asset"` // quote asset the stake is held in
	Direction        Direction        `json:"direction" db:"direction"`
	Stake            decimal.Decimal  `json:"stake" db:"stake"`
	EntryPrice       decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExpiryPrice      *decimal.Decimal `json:"expiry_price" db:"expiry_price"`
	DurationSeconds  int64            `json:"duration_seconds" db:"duration_seconds"`
	FluctuationRange decimal.Decimal  `json:"fluctuation_range" db:"fluctuation_range"`
	PayoutRate       decimal.Decimal  `json:"payout_rate" db:"payout_rate"`
	Profit           decimal.Decimal  `json:"profit" db:"profit"` // credited on a win
	Fee              decimal.Decimal  `json:"fee" db:"fee"`
	StartTime        int64            `json:"start_time" db:"start_time"` // unix seconds
	EndTime          int64            `json:"end_time" db:"end_time"`     // unix seconds
	Status           OrderStatus      `json:"status" db:"status"`
	PnL              *decimal.Decimal `json:"pnl" db:"pnl"`
	Outcome          Outcome          `json:"outcome,omitempty" db:"outcome"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}

// Locked returns stake + fee, the amount held in escrow for the order.
func (o *Order) Locked() decimal.Decimal {
	return o.Stake.Add(o.Fee)
}

// Remaining returns the seconds left until expiry, never negative.
func (o *Order) Remaining(now time.Time) int64 {
	r := o.EndTime - now.Unix()
	if r < 0 {
		return 0
	}
	return r
}

// Expired reports whether the countdown has reached zero.
func (o *Order) Expired(now time.Time) bool {
	return o.Remaining(now) == 0
}

// ScheduledStatus is the lifecycle state of a deferred trade.
type ScheduledStatus string

const (
	ScheduledPending   ScheduledStatus = "PENDING"
	ScheduledExecuted  ScheduledStatus = "EXECUTED"
	ScheduledCancelled ScheduledStatus = "CANCELLED"
	ScheduledFailed    ScheduledStatus = "FAILED"
)

// ScheduledTrade holds option parameters to be turned into an Order at
// ScheduledTime. It executes at most once.
type ScheduledTrade struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Instrument       string          `json:"instrument"`
	Asset            string          `json:"asset"`
	Direction        Direction       `json:"direction"`
	Stake            decimal.Decimal `json:"stake"`
	Fee              decimal.Decimal `json:"fee"`
	DurationSeconds  int64           `json:"duration_seconds"`
	FluctuationRange decimal.Decimal `json:"fluctuation_range"`
	PayoutRate       decimal.Decimal `json:"payout_rate"`
	ScheduledTime    time.Time       `json:"scheduled_time"`
	Status           ScheduledStatus `json:"status"`
	ExecutedOrderID  string          `json:"executed_order_id,omitempty"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty"`
}

// PositionSide is the direction of a leveraged position.
type PositionSide string

const (
	SideBuy  PositionSide = "buy"
	SideSell PositionSide = "sell"
)

// PositionStatus tracks whether a position is open, closed or liquidated.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// CloseReason records what closed a position.
type CloseReason string

const (
	CloseManual      CloseReason = "manual"
	CloseLiquidation CloseReason = "liquidation"
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
)

// Position is a leveraged futures position.
type Position struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	Pair             string           `json:"pair"`
	Asset            string           `json:"asset"`
	Side             PositionSide     `json:"side"`
	Size             decimal.Decimal  `json:"size"`
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	MarkPrice        decimal.Decimal  `json:"mark_price"`
	Margin           decimal.Decimal  `json:"margin"`
	Leverage         decimal.Decimal  `json:"leverage"`
	LiquidationPrice decimal.Decimal  `json:"liquidation_price"`
	UnrealizedPnL    decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal  `json:"realized_pnl"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	Status           PositionStatus   `json:"status"`
	CloseReason      CloseReason      `json:"close_reason,omitempty"`
	ClosePrice       *decimal.Decimal `json:"close_price,omitempty"`
	LastPriceAt      time.Time        `json:"last_price_at"`
	OpenedAt         time.Time        `json:"opened_at"`
	ClosedAt         *time.Time       `json:"closed_at,omitempty"`
}

// Bucket names one of the three balances held per (user, asset).
type Bucket string

const (
	BucketFunding Bucket = "funding"
	BucketTrading Bucket = "trading"
	BucketLocked  Bucket = "locked"
)

// WalletBalance is the cached projection of the ledger for one (user, asset).
type WalletBalance struct {
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Funding   decimal.Decimal `json:"funding"`
	Trading   decimal.Decimal `json:"trading"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Total returns funding + trading + locked.
func (b WalletBalance) Total() decimal.Decimal {
	return b.Funding.Add(b.Trading).Add(b.Locked)
}

// Get returns the value of one bucket.
func (b WalletBalance) Get(bucket Bucket) decimal.Decimal {
	switch bucket {
	case BucketFunding:
		return b.Funding
	case BucketTrading:
		return b.Trading
	case BucketLocked:
		return b.Locked
	}
	return decimal.Zero
}

// Apply adds amount to bucket.
func (b *WalletBalance) Apply(bucket Bucket, amount decimal.Decimal) {
	switch bucket {
	case BucketFunding:
		b.Funding = b.Funding.Add(amount)
	case BucketTrading:
		b.Trading = b.Trading.Add(amount)
	case BucketLocked:
		b.Locked = b.Locked.Add(amount)
	}
}

// Negative reports whether any bucket is below zero.
func (b WalletBalance) Negative() bool {
	return b.Funding.IsNegative() || b.Trading.IsNegative() || b.Locked.IsNegative()
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit         EntryType = "deposit"
	EntryWithdrawal      EntryType = "withdrawal"
	EntryTransfer        EntryType = "transfer"
	EntryLock            EntryType = "lock"
	EntryUnlock          EntryType = "unlock"
	EntryTradeSettlement EntryType = "trade_settlement"
	EntryFee             EntryType = "fee"
	EntryAdjustment      EntryType = "adjustment"
)

// Internal reports whether entries of this type only move funds between
// buckets. Internal entries are always written in pairs that net to zero.
func (t EntryType) Internal() bool {
	return t == EntryLock || t == EntryUnlock || t == EntryTransfer
}

// LedgerEntry is an immutable record of a single balance-affecting event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Asset     string          `json:"asset"`
	Bucket    Bucket          `json:"bucket"`
	Amount    decimal.Decimal `json:"amount"` // signed effect on Bucket
	Type      EntryType       `json:"type"`
	Reference string          `json:"reference"`
	Key       string          `json:"key"` // idempotency key of the wallet transaction
	Timestamp time.Time       `json:"timestamp"`
}

// LockKind names what a lock holds funds for.
type LockKind string

const (
	LockOptions   LockKind = "options"
	LockFutures   LockKind = "futures"
	LockScheduled LockKind = "scheduled"
	LockArbitrage LockKind = "arbitrage"
)

// LockStatus is the lifecycle of a TradeLock.
type LockStatus string

const (
	LockLocked   LockStatus = "locked"
	LockReleased LockStatus = "released"
	LockExpired  LockStatus = "expired"
)

// TradeLock reserves funds against one order, position or scheduled trade.
// Released exactly once.
type TradeLock struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user_id"`
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	TradeID    string          `json:"trade_id"`
	Kind       LockKind        `json:"kind"`
	Status     LockStatus      `json:"status"`
	Outcome    Outcome         `json:"outcome,omitempty"` // recorded at release
	Payout     decimal.Decimal `json:"payout"`            // returned to trading at release
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
}

// PriceSample is one observation from the reference price feed.
type PriceSample struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
}
