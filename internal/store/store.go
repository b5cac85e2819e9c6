// Package store defines the persistence interfaces for the trade engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache, distributed locks, price mirror), and in-memory (tests and
// single-node development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/model"
)

// Store is the full persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache layer.
type Store interface {
	OrderStore
	ScheduledStore
	PositionStore
	ContractStore
	WalletStore
	ControlStore
	AuditStore
}

// OrderFilter selects orders. Zero fields match everything.
type OrderFilter struct {
	UserID   string
	Statuses []model.OrderStatus
	Limit    int
}

// OrderStore persists option orders.
type OrderStore interface {
	// CreateOrder persists a new order.
	CreateOrder(ctx context.Context, o *model.Order) error

	// GetOrder retrieves an order by ID. Returns model.ErrNotFound.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOrders returns matching orders, newest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]model.Order, error)

	// UpdateOrder writes o's mutable fields only if the stored status is
	// still from. Returns model.ErrConflict otherwise.
	UpdateOrder(ctx context.Context, o *model.Order, from model.OrderStatus) error
}

// ScheduledFilter selects scheduled trades. Zero fields match everything.
type ScheduledFilter struct {
	UserID    string
	Status    model.ScheduledStatus
	DueBefore time.Time // ScheduledTime <= DueBefore when non-zero
}

// ScheduledStore persists deferred option trades.
type ScheduledStore interface {
	CreateScheduled(ctx context.Context, st *model.ScheduledTrade) error
	GetScheduled(ctx context.Context, id string) (*model.ScheduledTrade, error)
	// ListScheduled returns matching trades ordered by ScheduledTime.
	ListScheduled(ctx context.Context, f ScheduledFilter) ([]model.ScheduledTrade, error)
	// UpdateScheduled is conditional on the stored status being from.
	UpdateScheduled(ctx context.Context, st *model.ScheduledTrade, from model.ScheduledStatus) error
}

// PositionFilter selects positions. Zero fields match everything.
type PositionFilter struct {
	UserID string
	Pair   string
	Open   *bool
	Limit  int
}

// PositionStore persists futures positions.
type PositionStore interface {
	CreatePosition(ctx context.Context, p *model.Position) error
	GetPosition(ctx context.Context, id string) (*model.Position, error)
	// ListPositions returns matching positions, newest first.
	ListPositions(ctx context.Context, f PositionFilter) ([]model.Position, error)
	// UpdateMark writes mark price, unrealized PnL and LastPriceAt of an
	// open position. Returns model.ErrConflict once the position is closed.
	UpdateMark(ctx context.Context, p *model.Position) error
	// ClosePosition writes the terminal fields only if the stored status is
	// still open. Returns model.ErrConflict otherwise.
	ClosePosition(ctx context.Context, p *model.Position) error
}

// ContractFilter selects arbitrage contracts. Zero fields match everything.
type ContractFilter struct {
	UserID        string
	Status        model.ContractStatus
	MaturesBefore time.Time // MaturesAt <= MaturesBefore when non-zero
	Limit         int
}

// ContractStore persists arbitrage contracts.
type ContractStore interface {
	CreateContract(ctx context.Context, c *model.ArbitrageContract) error
	GetContract(ctx context.Context, id string) (*model.ArbitrageContract, error)
	// ListContracts returns matching contracts, newest first.
	ListContracts(ctx context.Context, f ContractFilter) ([]model.ArbitrageContract, error)
	// CloseContract writes the terminal fields only if the stored status is
	// still active. Returns model.ErrConflict otherwise.
	CloseContract(ctx context.Context, c *model.ArbitrageContract) error
}

// LockRelease finalizes an active TradeLock inside a WalletTx.
type LockRelease struct {
	TradeID string
	Status  model.LockStatus // released or expired
	Outcome model.Outcome
	Payout  decimal.Decimal
}

// WalletTx is the unit of atomicity of the wallet ledger: every entry, the
// lock changes and the idempotency key commit together or not at all. All
// entries belong to one (UserID, Asset).
type WalletTx struct {
	Key     string
	UserID  string
	Asset   string
	Entries []model.LedgerEntry
	Create  *model.TradeLock
	Release *LockRelease
	At      time.Time
}

// EntryFilter selects ledger entries. Zero fields match everything.
type EntryFilter struct {
	UserID    string
	Asset     string
	Reference string
	Limit     int
}

// LockFilter selects trade locks. Zero fields match everything.
type LockFilter struct {
	UserID        string
	Status        model.LockStatus
	ExpiresBefore time.Time
}

// WalletStore persists balances, the immutable ledger and trade locks.
type WalletStore interface {
	// ApplyWalletTx applies tx atomically. It returns applied=false with a
	// nil error when tx.Key was already applied. Fails with
	// model.ErrInsufficientBalance if any bucket would go negative, and with
	// model.ErrLockNotActive if tx.Release targets a lock that is not locked.
	ApplyWalletTx(ctx context.Context, tx *WalletTx) (applied bool, err error)

	// GetBalance returns the balance for (userID, asset); zero if none.
	GetBalance(ctx context.Context, userID, asset string) (model.WalletBalance, error)

	// ListBalances returns every asset balance held by userID.
	ListBalances(ctx context.Context, userID string) ([]model.WalletBalance, error)

	// ListEntries returns ledger entries, newest first. With Limit=0 all
	// matching entries are returned in insertion order instead.
	ListEntries(ctx context.Context, f EntryFilter) ([]model.LedgerEntry, error)

	// GetLock returns the lock held for tradeID. Returns model.ErrNotFound.
	GetLock(ctx context.Context, tradeID string) (*model.TradeLock, error)

	// ListLocks returns matching locks, oldest first.
	ListLocks(ctx context.Context, f LockFilter) ([]model.TradeLock, error)
}

// ControlStore persists outcome controls: per-user overrides, trade
// windows and the system default policy.
type ControlStore interface {
	GetUserOutcome(ctx context.Context, userID string) (*model.UserOutcome, error)
	UpsertUserOutcome(ctx context.Context, uo *model.UserOutcome) error

	CreateWindow(ctx context.Context, w *model.TradeWindow) error
	DeactivateWindow(ctx context.Context, id string) error
	// ListWindows returns active windows for userID ("" for all users).
	ListWindows(ctx context.Context, userID string) ([]model.TradeWindow, error)

	ListPolicies(ctx context.Context) ([]model.PolicySettings, error)
	SavePolicy(ctx context.Context, p model.PolicySettings) error
}

// AuditStore records administrative control changes.
type AuditStore interface {
	AppendAudit(ctx context.Context, e model.AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEvent, error)
}
