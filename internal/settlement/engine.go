// Package settlement settles expired option orders: it fixes the close
// price, resolves the outcome and moves the locked funds in one ledger
// transaction before completing the order.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/outcome"
	"github.com/atmx/trade-engine/internal/store"
)

// PriceSource answers close-price lookups.
type PriceSource interface {
	PriceAt(instrument string, ts time.Time) (decimal.Decimal, bool)
	LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Resolver decides win or lose.
type Resolver interface {
	Resolve(ctx context.Context, userID string, t model.TradeType) (model.Outcome, outcome.Decision)
}

// Locker is a distributed mutex across engine instances.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// Notifier pushes events to a user's live connections.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// RetryPolicy bounds retries of transient failures.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy retries three times starting at 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// delay returns the wait before retry attempt n (1-based), doubling each time.
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Engine settles option orders.
type Engine struct {
	orders   store.OrderStore
	ledger   *ledger.Ledger
	prices   PriceSource
	resolver Resolver
	locker   Locker
	notifier Notifier
	retry    RetryPolicy
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLocker guards settlement across instances.
func WithLocker(l Locker) Option { return func(e *Engine) { e.locker = l } }

// WithNotifier publishes settlement events.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option { return func(e *Engine) { e.retry = p } }

// New creates an Engine.
func New(orders store.OrderStore, l *ledger.Ledger, prices PriceSource, resolver Resolver, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		orders:   orders,
		ledger:   l,
		prices:   prices,
		resolver: resolver,
		retry:    DefaultRetryPolicy(),
		logger:   logger,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ErrInFlight is returned when the order is already being settled.
var ErrInFlight = errors.New("settlement: already in progress")

// Settle settles orderID. An order that is no longer ACTIVE is returned
// unchanged. Transient failures are retried with exponential backoff; once
// retries are exhausted the order stays ACTIVE for the next tick.
func (e *Engine) Settle(ctx context.Context, orderID string) (*model.Order, error) {
	if !e.claim(orderID) {
		return nil, ErrInFlight
	}
	defer e.unclaim(orderID)

	if e.locker != nil {
		unlock, err := e.locker.Acquire(ctx, "settle:"+orderID, 30*time.Second)
		if err != nil {
			if errors.Is(err, model.ErrLockHeld) {
				return nil, ErrInFlight
			}
			return nil, fmt.Errorf("settlement: acquire %s: %w", orderID, err)
		}
		defer unlock()
	}

	start := e.now()
	var lastErr error
	attempts := e.retry.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		o, err := e.settleOnce(ctx, orderID)
		if err == nil {
			metrics.SettlementLatency.Observe(time.Since(start).Seconds())
			return o, nil
		}
		if !model.IsRetryable(err) {
			e.logger.Error("settlement failed", "order_id", orderID, "error", err)
			return nil, err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		metrics.SettlementRetries.Inc()
		wait := e.retry.delay(attempt)
		e.logger.Warn("settlement retry", "order_id", orderID, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	metrics.SettlementEscalations.Inc()
	e.logger.Error("settlement retries exhausted, order left active",
		"order_id", orderID, "attempts", attempts, "error", lastErr)
	return nil, lastErr
}

func (e *Engine) claim(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[id]; busy {
		return false
	}
	e.inflight[id] = struct{}{}
	return true
}

func (e *Engine) unclaim(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) settleOnce(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := e.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, model.Retryable("load order", err)
	}
	if o.Status != model.OrderActive {
		return o, nil
	}

	closePrice := e.closePrice(ctx, o)

	// A previous attempt may have applied the wallet leg and failed to
	// complete the order; reuse the outcome it recorded.
	lock, err := e.ledger.GetLock(ctx, o.ID)
	if err != nil {
		return nil, model.Retryable("load lock", err)
	}
	result := lock.Outcome
	if lock.Status == model.LockLocked || !result.Valid() {
		var decision outcome.Decision
		result, decision = e.resolver.Resolve(ctx, o.UserID, model.TradeOptions)
		e.logger.Debug("outcome resolved", "order_id", o.ID, "outcome", result, "source", decision.Source)
	}

	release, pnl := settlementLegs(o, result)

	switch lock.Status {
	case model.LockLocked:
		res, err := e.ledger.Release(ctx, release)
		if err != nil {
			return nil, model.Retryable("release lock", err)
		}
		// Another settler released first; the wallet follows its outcome.
		if !res.Applied && res.Lock.Outcome.Valid() && res.Lock.Outcome != result {
			e.logger.Warn("lock released concurrently, adopting recorded outcome",
				"order_id", o.ID, "resolved", result, "recorded", res.Lock.Outcome)
			result = res.Lock.Outcome
			_, pnl = settlementLegs(o, result)
		}
	case model.LockExpired:
		e.logger.Warn("settling order whose lock already expired", "order_id", o.ID, "lock_id", lock.ID)
	}

	now := e.now()
	o.ExpiryPrice = &closePrice
	o.PnL = &pnl
	o.Outcome = result
	o.Status = model.OrderCompleted
	o.CompletedAt = &now
	if err := e.orders.UpdateOrder(ctx, o, model.OrderActive); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return e.orders.GetOrder(ctx, orderID)
		}
		return nil, model.Retryable("complete order", err)
	}

	metrics.Settlements.WithLabelValues(string(result)).Inc()
	e.logger.Info("option order settled",
		"order_id", o.ID, "user_id", o.UserID, "outcome", result,
		"entry_price", o.EntryPrice.String(), "close_price", closePrice.String(),
		"pnl", pnl.String())
	if e.notifier != nil {
		e.notifier.Notify(o.UserID, "order_settled", o)
	}
	return o, nil
}

// settlementLegs builds the release of o's lock for result and the pnl it
// books. A win credits the profit; a loss forfeits the stake. The fee is
// always consumed.
func settlementLegs(o *model.Order, result model.Outcome) (ledger.Release, decimal.Decimal) {
	release := ledger.Release{
		TradeID:   o.ID,
		Key:       SettleKey(o.ID),
		Fee:       o.Fee,
		Outcome:   result,
		Reference: o.ID,
	}
	if result == model.OutcomeWin {
		release.Credit = o.Profit
		return release, o.Profit
	}
	release.Forfeit = o.Stake
	return release, o.Stake.Neg()
}

// closePrice falls back from the sample at EndTime to the latest known
// price and finally to the entry price.
func (e *Engine) closePrice(ctx context.Context, o *model.Order) decimal.Decimal {
	if p, ok := e.prices.PriceAt(o.Instrument, time.Unix(o.EndTime, 0)); ok {
		metrics.PriceFallbacks.WithLabelValues("exact").Inc()
		return p
	}
	if p, err := e.prices.LatestPrice(ctx, o.Instrument); err == nil {
		metrics.PriceFallbacks.WithLabelValues("latest").Inc()
		e.logger.Warn("close price from latest sample", "order_id", o.ID, "instrument", o.Instrument)
		return p
	}
	metrics.PriceFallbacks.WithLabelValues("entry").Inc()
	e.logger.Warn("close price unavailable, using entry price", "order_id", o.ID, "instrument", o.Instrument)
	return o.EntryPrice
}

// SettleKey is the idempotency key of an order's settlement transaction.
func SettleKey(orderID string) string { return "settle:" + orderID }
