// Package ledger is the single source of truth for user funds. Every balance
// change is an immutable ledger entry written in the same atomic wallet
// transaction as the balance projection it produces, keyed by an idempotency
// key so that retries never apply twice.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// DefaultHistoryLimit is the number of entries History returns by default.
const DefaultHistoryLimit = 50

// Ledger moves funds between the funding, trading and locked buckets.
type Ledger struct {
	store  store.WalletStore
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a Ledger on st.
func New(st store.WalletStore, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{store: st, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// builder accumulates the entries of one wallet transaction.
type builder struct {
	tx *store.WalletTx
}

func (l *Ledger) begin(key, userID, asset string) *builder {
	return &builder{tx: &store.WalletTx{Key: key, UserID: userID, Asset: asset, At: l.now()}}
}

func (b *builder) add(bucket model.Bucket, amount decimal.Decimal, typ model.EntryType, ref string) {
	if amount.IsZero() {
		return
	}
	b.tx.Entries = append(b.tx.Entries, model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    b.tx.UserID,
		Asset:     b.tx.Asset,
		Bucket:    bucket,
		Amount:    amount,
		Type:      typ,
		Reference: ref,
		Key:       b.tx.Key,
		Timestamp: b.tx.At,
	})
}

// move writes a balanced pair: -amount from one bucket, +amount to another.
func (b *builder) move(from, to model.Bucket, amount decimal.Decimal, typ model.EntryType, ref string) {
	b.add(from, amount.Neg(), typ, ref)
	b.add(to, amount, typ, ref)
}

func positive(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return model.Invalid(field, "must be positive")
	}
	return nil
}

// Deposit credits amount to the funding or trading bucket.
func (l *Ledger) Deposit(ctx context.Context, userID, asset string, bucket model.Bucket, amount decimal.Decimal, key string) (bool, error) {
	if err := positive("amount", amount); err != nil {
		return false, err
	}
	if bucket != model.BucketFunding && bucket != model.BucketTrading {
		return false, model.Invalid("bucket", "must be funding or trading")
	}
	b := l.begin(key, userID, asset)
	b.add(bucket, amount, model.EntryDeposit, key)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return false, fmt.Errorf("ledger: deposit: %w", err)
	}
	if applied {
		l.logger.Info("deposit applied", "user_id", userID, "asset", asset, "bucket", bucket, "amount", amount.String(), "key", key)
	}
	return applied, nil
}

// Withdraw debits amount from the funding bucket.
func (l *Ledger) Withdraw(ctx context.Context, userID, asset string, amount decimal.Decimal, key string) (bool, error) {
	if err := positive("amount", amount); err != nil {
		return false, err
	}
	b := l.begin(key, userID, asset)
	b.add(model.BucketFunding, amount.Neg(), model.EntryWithdrawal, key)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return false, fmt.Errorf("ledger: withdraw: %w", err)
	}
	if applied {
		l.logger.Info("withdrawal applied", "user_id", userID, "asset", asset, "amount", amount.String(), "key", key)
	}
	return applied, nil
}

// Transfer moves amount between the funding and trading buckets.
func (l *Ledger) Transfer(ctx context.Context, userID, asset string, from, to model.Bucket, amount decimal.Decimal, key string) (bool, error) {
	if err := positive("amount", amount); err != nil {
		return false, err
	}
	valid := (from == model.BucketFunding && to == model.BucketTrading) ||
		(from == model.BucketTrading && to == model.BucketFunding)
	if !valid {
		return false, model.Invalid("to", "transfers move between funding and trading only")
	}
	b := l.begin(key, userID, asset)
	b.move(from, to, amount, model.EntryTransfer, key)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return false, fmt.Errorf("ledger: transfer: %w", err)
	}
	if applied {
		l.logger.Info("transfer applied", "user_id", userID, "asset", asset, "from", from, "to", to, "amount", amount.String())
	}
	return applied, nil
}

// Adjust applies an administrative signed correction to the trading bucket.
func (l *Ledger) Adjust(ctx context.Context, userID, asset string, amount decimal.Decimal, reason, key string) (bool, error) {
	if amount.IsZero() {
		return false, model.Invalid("amount", "must be non-zero")
	}
	b := l.begin(key, userID, asset)
	b.add(model.BucketTrading, amount, model.EntryAdjustment, reason)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return false, fmt.Errorf("ledger: adjust: %w", err)
	}
	if applied {
		l.logger.Info("adjustment applied", "user_id", userID, "asset", asset, "amount", amount.String(), "reason", reason)
	}
	return applied, nil
}

// LockRequest reserves funds for one trade.
type LockRequest struct {
	UserID  string
	Asset   string
	Amount  decimal.Decimal
	TradeID string
	Kind    model.LockKind
	TTL     time.Duration
}

// LockKey is the idempotency key of the lock for tradeID.
func LockKey(tradeID string) string { return "lock:" + tradeID }

// Lock moves amount from trading to locked and records a TradeLock against
// TradeID. Retrying an applied lock returns the existing lock.
func (l *Ledger) Lock(ctx context.Context, req LockRequest) (*model.TradeLock, error) {
	if err := positive("amount", req.Amount); err != nil {
		return nil, err
	}
	if req.TradeID == "" {
		return nil, model.Invalid("trade_id", "required")
	}
	b := l.begin(LockKey(req.TradeID), req.UserID, req.Asset)
	b.move(model.BucketTrading, model.BucketLocked, req.Amount, model.EntryLock, req.TradeID)
	b.tx.Create = newLock(req, b.tx.At)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: lock %s: %w", req.TradeID, err)
	}
	if !applied {
		return l.store.GetLock(ctx, req.TradeID)
	}
	metrics.LocksActive.Inc()
	l.logger.Info("funds locked",
		"user_id", req.UserID, "asset", req.Asset, "trade_id", req.TradeID,
		"kind", req.Kind, "amount", req.Amount.String())
	lock := *b.tx.Create
	return &lock, nil
}

func newLock(req LockRequest, at time.Time) *model.TradeLock {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &model.TradeLock{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Asset:     req.Asset,
		Amount:    req.Amount,
		TradeID:   req.TradeID,
		Kind:      req.Kind,
		Status:    model.LockLocked,
		CreatedAt: at,
		ExpiresAt: at.Add(ttl),
	}
}

// Unlock returns the full amount of tradeID's lock to trading.
func (l *Ledger) Unlock(ctx context.Context, tradeID string) error {
	_, err := l.Release(ctx, Release{TradeID: tradeID, Key: "unlock:" + tradeID})
	return err
}

// Release settles a lock. From the locked amount, Fee and Forfeit are
// consumed, the remainder returns to trading, and Credit is added to trading
// on top. All legs and the lock status change commit together.
type Release struct {
	TradeID   string
	Key       string
	Fee       decimal.Decimal
	Forfeit   decimal.Decimal
	Credit    decimal.Decimal
	Outcome   model.Outcome
	Reference string
	Status    model.LockStatus // defaults to released
}

// Result reports what a Release did.
type Result struct {
	Lock    model.TradeLock
	Applied bool
	Payout  decimal.Decimal // amount returned to trading
}

// Release applies r. An already-applied key returns Applied=false and the
// lock as recorded by the earlier attempt.
func (l *Ledger) Release(ctx context.Context, r Release) (*Result, error) {
	lock, err := l.store.GetLock(ctx, r.TradeID)
	if err != nil {
		return nil, fmt.Errorf("ledger: release %s: %w", r.TradeID, err)
	}
	if r.Fee.IsNegative() || r.Forfeit.IsNegative() || r.Credit.IsNegative() {
		return nil, model.Invalid("release", "legs must be non-negative")
	}
	remainder := lock.Amount.Sub(r.Fee).Sub(r.Forfeit)
	if remainder.IsNegative() {
		return nil, model.Invalid("release", "fee and forfeit exceed locked amount %s", lock.Amount)
	}
	if r.Status == "" {
		r.Status = model.LockReleased
	}
	if r.Reference == "" {
		r.Reference = r.TradeID
	}

	b := l.begin(r.Key, lock.UserID, lock.Asset)
	b.add(model.BucketLocked, r.Fee.Neg(), model.EntryFee, r.Reference)
	b.add(model.BucketLocked, r.Forfeit.Neg(), model.EntryTradeSettlement, r.Reference)
	b.move(model.BucketLocked, model.BucketTrading, remainder, model.EntryUnlock, r.Reference)
	b.add(model.BucketTrading, r.Credit, model.EntryTradeSettlement, r.Reference)

	payout := remainder.Add(r.Credit)
	b.tx.Release = &store.LockRelease{
		TradeID: r.TradeID,
		Status:  r.Status,
		Outcome: r.Outcome,
		Payout:  payout,
	}

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: release %s: %w", r.TradeID, err)
	}
	if !applied {
		current, err := l.store.GetLock(ctx, r.TradeID)
		if err != nil {
			return nil, fmt.Errorf("ledger: release %s: %w", r.TradeID, err)
		}
		return &Result{Lock: *current, Applied: false, Payout: current.Payout}, nil
	}

	metrics.LocksActive.Dec()
	l.logger.Info("lock released",
		"user_id", lock.UserID, "asset", lock.Asset, "trade_id", r.TradeID,
		"status", r.Status, "outcome", r.Outcome,
		"fee", r.Fee.String(), "forfeit", r.Forfeit.String(),
		"credit", r.Credit.String(), "payout", payout.String())

	at := b.tx.At
	lock.Status = r.Status
	lock.Outcome = r.Outcome
	lock.Payout = payout
	lock.ReleasedAt = &at
	return &Result{Lock: *lock, Applied: true, Payout: payout}, nil
}

// MoveLock releases fromTradeID's lock and creates an equal lock for
// to.TradeID in one transaction. to.Amount is taken from the existing lock.
func (l *Ledger) MoveLock(ctx context.Context, fromTradeID string, to LockRequest, key string) (*model.TradeLock, error) {
	from, err := l.store.GetLock(ctx, fromTradeID)
	if err != nil {
		return nil, fmt.Errorf("ledger: move lock %s: %w", fromTradeID, err)
	}
	to.Amount = from.Amount
	to.UserID = from.UserID
	to.Asset = from.Asset

	b := l.begin(key, from.UserID, from.Asset)
	b.move(model.BucketLocked, model.BucketTrading, from.Amount, model.EntryUnlock, fromTradeID)
	b.move(model.BucketTrading, model.BucketLocked, from.Amount, model.EntryLock, to.TradeID)
	b.tx.Release = &store.LockRelease{TradeID: fromTradeID, Status: model.LockReleased, Payout: from.Amount}
	b.tx.Create = newLock(to, b.tx.At)

	applied, err := l.store.ApplyWalletTx(ctx, b.tx)
	if err != nil {
		return nil, fmt.Errorf("ledger: move lock %s -> %s: %w", fromTradeID, to.TradeID, err)
	}
	if !applied {
		return l.store.GetLock(ctx, to.TradeID)
	}
	l.logger.Info("lock moved",
		"user_id", from.UserID, "from_trade_id", fromTradeID, "to_trade_id", to.TradeID,
		"amount", from.Amount.String())
	lock := *b.tx.Create
	return &lock, nil
}

// LiveFunc reports whether the trade behind a lock still needs its funds.
type LiveFunc func(ctx context.Context, lock model.TradeLock) (bool, error)

// ExpireStale returns the funds of locks past their expiry whose trade is no
// longer live, marking them expired. Returns the number expired.
func (l *Ledger) ExpireStale(ctx context.Context, now time.Time, live LiveFunc) (int, error) {
	locks, err := l.store.ListLocks(ctx, store.LockFilter{Status: model.LockLocked, ExpiresBefore: now})
	if err != nil {
		return 0, fmt.Errorf("ledger: list stale locks: %w", err)
	}

	expired := 0
	var errs []error
	for _, lock := range locks {
		if live != nil {
			ok, err := live(ctx, lock)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				continue
			}
		}
		res, err := l.Release(ctx, Release{
			TradeID: lock.TradeID,
			Key:     "expire:" + lock.TradeID,
			Status:  model.LockExpired,
		})
		if err != nil {
			if errors.Is(err, model.ErrLockNotActive) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if res.Applied {
			expired++
			metrics.LocksExpired.Inc()
			l.logger.Warn("stale lock expired", "trade_id", lock.TradeID, "user_id", lock.UserID, "amount", lock.Amount.String())
		}
	}
	return expired, errors.Join(errs...)
}

// Balance returns the balance for (userID, asset).
func (l *Ledger) Balance(ctx context.Context, userID, asset string) (model.WalletBalance, error) {
	return l.store.GetBalance(ctx, userID, asset)
}

// Balances returns every asset balance of userID.
func (l *Ledger) Balances(ctx context.Context, userID string) ([]model.WalletBalance, error) {
	return l.store.ListBalances(ctx, userID)
}

// History returns the newest ledger entries of userID.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return l.store.ListEntries(ctx, store.EntryFilter{UserID: userID, Limit: limit})
}

// ActiveLocks returns userID's locks that still hold funds.
func (l *Ledger) ActiveLocks(ctx context.Context, userID string) ([]model.TradeLock, error) {
	return l.store.ListLocks(ctx, store.LockFilter{UserID: userID, Status: model.LockLocked})
}

// GetLock returns the lock held for tradeID.
func (l *Ledger) GetLock(ctx context.Context, tradeID string) (*model.TradeLock, error) {
	return l.store.GetLock(ctx, tradeID)
}
