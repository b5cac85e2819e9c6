// Package options manages binary option orders: creation against locked
// funds, cancellation, deferred (scheduled) trades and expiry-driven
// settlement.
package options

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/instrument"
	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/limits"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// DefaultCompletedLimit is the page size of Completed.
const DefaultCompletedLimit = 50

var decimalOne = decimal.NewFromInt(1)

// Store is the persistence the manager needs.
type Store interface {
	store.OrderStore
	store.ScheduledStore
}

// PriceSource provides the latest known price of an instrument.
type PriceSource interface {
	LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Settler settles an expired order.
type Settler interface {
	Settle(ctx context.Context, orderID string) (*model.Order, error)
}

// Notifier pushes events to a user's live connections.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Config holds the product rules for option orders.
type Config struct {
	FeeRate              decimal.Decimal
	MinDuration          int64 // seconds
	MaxDuration          int64 // seconds
	EnforcePurchaseRange bool
	MinScheduleLead      time.Duration
	MaxScheduleLead      time.Duration
	LockGrace            time.Duration // lock TTL beyond the order's end
	SettleConcurrency    int
}

// DefaultConfig returns the production rules.
func DefaultConfig() Config {
	return Config{
		FeeRate:              decimal.RequireFromString("0.001"),
		MinDuration:          60,
		MaxDuration:          600,
		EnforcePurchaseRange: true,
		MinScheduleLead:      5 * time.Second,
		MaxScheduleLead:      24 * time.Hour,
		LockGrace:            10 * time.Minute,
		SettleConcurrency:    8,
	}
}

// Manager owns the option order lifecycle.
type Manager struct {
	store    Store
	ledger   *ledger.Ledger
	prices   PriceSource
	settler  Settler
	limiter  *limits.ExposureLimiter
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSettler sets the engine that settles expired orders.
func WithSettler(s Settler) Option { return func(m *Manager) { m.settler = s } }

// WithLimiter enables the open-exposure limiter.
func WithLimiter(l *limits.ExposureLimiter) Option { return func(m *Manager) { m.limiter = l } }

// WithNotifier publishes order events.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// NewManager creates a Manager.
func NewManager(st Store, l *ledger.Ledger, prices PriceSource, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: st, ledger: l, prices: prices, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateRequest describes a new option order. A zero PayoutRate is looked
// up from the fluctuation table for the duration.
type CreateRequest struct {
	UserID           string          `json:"-"`
	Instrument       string          `json:"instrument"`
	Direction        model.Direction `json:"direction"`
	Stake            decimal.Decimal `json:"stake"`
	DurationSeconds  int64           `json:"duration_seconds"`
	FluctuationRange decimal.Decimal `json:"fluctuation_range"`
	PayoutRate       decimal.Decimal `json:"payout_rate"`
	StartAt          *time.Time      `json:"start_at,omitempty"`
}

// terms are the validated economics of an order.
type terms struct {
	inst       *instrument.Instrument
	payoutRate decimal.Decimal
	fee        decimal.Decimal
	profit     decimal.Decimal
}

func (m *Manager) validate(req CreateRequest) (*terms, error) {
	if req.UserID == "" {
		return nil, model.Invalid("user_id", "required")
	}
	if !req.Direction.Valid() {
		return nil, model.Invalid("direction", "must be UP or DOWN")
	}
	if !req.Stake.IsPositive() {
		return nil, model.Invalid("stake", "must be positive")
	}
	if req.DurationSeconds < m.cfg.MinDuration || req.DurationSeconds > m.cfg.MaxDuration {
		return nil, model.Invalid("duration_seconds", "must be between %d and %d", m.cfg.MinDuration, m.cfg.MaxDuration)
	}
	if !req.FluctuationRange.IsPositive() {
		return nil, model.Invalid("fluctuation_range", "must be positive")
	}
	inst, err := instrument.Parse(req.Instrument)
	if err != nil {
		return nil, model.Invalid("instrument", "%s", err.Error())
	}

	payout := req.PayoutRate
	if payout.IsZero() {
		band, ok := limits.Lookup(req.DurationSeconds, req.FluctuationRange)
		if !ok {
			return nil, model.Invalid("fluctuation_range", "no payout for %s at %ds", req.FluctuationRange, req.DurationSeconds)
		}
		payout = band.PayoutRate()
	}
	if !payout.IsPositive() {
		return nil, model.Invalid("payout_rate", "must be positive")
	}
	if payout.LessThan(decimalOne) {
		return nil, model.Invalid("payout_rate", "must be at least 1")
	}

	if m.cfg.EnforcePurchaseRange {
		r := limits.PurchaseRangeFor(req.DurationSeconds)
		if !r.Contains(req.Stake) {
			return nil, model.Invalid("stake", "must be between %s and %s", r.Min, r.Max)
		}
	}

	return &terms{
		inst:       inst,
		payoutRate: payout,
		fee:        req.Stake.Mul(m.cfg.FeeRate),
		profit:     req.Stake.Mul(payout.Sub(decimalOne)),
	}, nil
}

// checkExposure sums the user's open orders against the limiter.
func (m *Manager) checkExposure(ctx context.Context, userID string, t *terms, stake decimal.Decimal) error {
	if m.limiter == nil {
		return nil
	}
	open, err := m.store.ListOrders(ctx, store.OrderFilter{
		UserID:   userID,
		Statuses: []model.OrderStatus{model.OrderScheduled, model.OrderActive},
	})
	if err != nil {
		return fmt.Errorf("options: list open orders: %w", err)
	}
	existing := make([]limits.Exposure, 0, len(open))
	for _, o := range open {
		base := ""
		if inst, err := instrument.Parse(o.Instrument); err == nil {
			base = inst.Base
		}
		existing = append(existing, limits.Exposure{Instrument: o.Instrument, Base: base, Stake: o.Stake})
	}
	if err := m.limiter.Check(t.inst.Symbol, t.inst.Base, stake, existing); err != nil {
		metrics.LimitRejections.Inc()
		return err
	}
	return nil
}

// Create validates req, locks stake+fee and persists the order. Nothing is
// persisted when the lock fails.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Order, error) {
	t, err := m.validate(req)
	if err != nil {
		return nil, err
	}
	now := m.now()

	start := now
	status := model.OrderActive
	if req.StartAt != nil && req.StartAt.After(now) {
		if req.StartAt.Sub(now) > m.cfg.MaxScheduleLead {
			return nil, model.Invalid("start_at", "must be within %s", m.cfg.MaxScheduleLead)
		}
		start = *req.StartAt
		status = model.OrderScheduled
	}

	if err := m.checkExposure(ctx, req.UserID, t, req.Stake); err != nil {
		return nil, err
	}

	var entry decimal.Decimal
	if status == model.OrderActive {
		entry, err = m.prices.LatestPrice(ctx, t.inst.Symbol)
		if err != nil {
			return nil, fmt.Errorf("options: entry price: %w", err)
		}
	}

	o := &model.Order{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Instrument:       t.inst.Symbol,
		Asset:            t.inst.Quote,
		Direction:        req.Direction,
		Stake:            req.Stake,
		EntryPrice:       entry,
		DurationSeconds:  req.DurationSeconds,
		FluctuationRange: req.FluctuationRange,
		PayoutRate:       t.payoutRate,
		Profit:           t.profit,
		Fee:              t.fee,
		StartTime:        start.Unix(),
		EndTime:          start.Unix() + req.DurationSeconds,
		Status:           status,
		CreatedAt:        now,
	}

	if _, err := m.ledger.Lock(ctx, ledger.LockRequest{
		UserID:  o.UserID,
		Asset:   o.Asset,
		Amount:  o.Locked(),
		TradeID: o.ID,
		Kind:    model.LockOptions,
		TTL:     time.Unix(o.EndTime, 0).Sub(now) + m.cfg.LockGrace,
	}); err != nil {
		return nil, fmt.Errorf("options: lock funds: %w", err)
	}

	if err := m.store.CreateOrder(ctx, o); err != nil {
		// Compensate: the order never existed, so its funds go back.
		if uerr := m.ledger.Unlock(ctx, o.ID); uerr != nil {
			m.logger.Error("unlock after failed order insert", "order_id", o.ID, "error", uerr)
		}
		return nil, fmt.Errorf("options: create order: %w", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(o.Direction)).Inc()
	m.logger.Info("option order created",
		"order_id", o.ID, "user_id", o.UserID, "instrument", o.Instrument,
		"direction", o.Direction, "stake", o.Stake.String(), "fee", o.Fee.String(),
		"status", o.Status, "end_time", o.EndTime)
	m.notify(o.UserID, "order_created", o)
	return o, nil
}

// Cancel cancels a SCHEDULED order and returns its funds. ACTIVE orders
// cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, orderID, userID string) (*model.Order, error) {
	o, err := m.Get(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	if o.Status != model.OrderScheduled {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrOrderNotCancellable)
	}

	now := m.now()
	o.Status = model.OrderCancelled
	o.CompletedAt = &now
	if err := m.store.UpdateOrder(ctx, o, model.OrderScheduled); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("order %s changed state: %w", o.ID, model.ErrOrderNotCancellable)
		}
		return nil, fmt.Errorf("options: cancel %s: %w", o.ID, err)
	}
	if err := m.ledger.Unlock(ctx, o.ID); err != nil {
		return nil, fmt.Errorf("options: unlock cancelled %s: %w", o.ID, err)
	}

	metrics.OrdersCancelled.WithLabelValues("order").Inc()
	m.logger.Info("option order cancelled", "order_id", o.ID, "user_id", userID)
	m.notify(o.UserID, "order_cancelled", o)
	return o, nil
}

// Get returns an order owned by userID. Orders of other users are reported
// as not found.
func (m *Manager) Get(ctx context.Context, orderID, userID string) (*model.Order, error) {
	o, err := m.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if userID != "" && o.UserID != userID {
		return nil, fmt.Errorf("order %s: %w", orderID, model.ErrNotFound)
	}
	return o, nil
}

// Active returns the user's SCHEDULED and ACTIVE orders.
func (m *Manager) Active(ctx context.Context, userID string) ([]model.Order, error) {
	return m.store.ListOrders(ctx, store.OrderFilter{
		UserID:   userID,
		Statuses: []model.OrderStatus{model.OrderScheduled, model.OrderActive},
	})
}

// Completed returns the user's newest settled orders.
func (m *Manager) Completed(ctx context.Context, userID string, limit int) ([]model.Order, error) {
	if limit <= 0 {
		limit = DefaultCompletedLimit
	}
	return m.store.ListOrders(ctx, store.OrderFilter{
		UserID:   userID,
		Statuses: []model.OrderStatus{model.OrderCompleted},
		Limit:    limit,
	})
}

func (m *Manager) notify(userID, event string, payload any) {
	if m.notifier != nil {
		m.notifier.Notify(userID, event, payload)
	}
}
