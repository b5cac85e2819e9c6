// Package arbitrage manages fixed-term arbitrage contracts: the principal is
// locked at subscription and returned with the product's daily yield at
// maturity, or without yield on cancellation.
package arbitrage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// Notifier pushes events to a user's live connections.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Product is a subscribable arbitrage term.
type Product struct {
	ID           string          `json:"id"`
	Label        string          `json:"label"`
	MinAmount    decimal.Decimal `json:"min_amount"`
	MaxAmount    decimal.Decimal `json:"max_amount"`
	DurationDays int             `json:"duration_days"`
	DailyRate    decimal.Decimal `json:"daily_rate"`
}

// ExpectedProfit is amount·DailyRate·DurationDays.
func (p Product) ExpectedProfit(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.DailyRate).Mul(decimal.NewFromInt(int64(p.DurationDays))).Round(8)
}

// DefaultProducts returns the standard product ladder.
func DefaultProducts() []Product {
	p := func(id, label, min, max string, days int, rate string) Product {
		return Product{
			ID: id, Label: label,
			MinAmount:    decimal.RequireFromString(min),
			MaxAmount:    decimal.RequireFromString(max),
			DurationDays: days,
			DailyRate:    decimal.RequireFromString(rate),
		}
	}
	return []Product{
		p("arb-1d", "1 Day Flash", "1000", "9999", 1, "0.001"),
		p("arb-3d", "3 Day Express", "10000", "49999", 3, "0.0012"),
		p("arb-7d", "7 Day Premium", "50000", "99999", 7, "0.0015"),
		p("arb-10d", "10 Day Elite", "100000", "199999", 10, "0.0018"),
		p("arb-15d", "15 Day Pro", "200000", "499999", 15, "0.002"),
		p("arb-25d", "25 Day Max", "500000", "999999", 25, "0.0022"),
	}
}

// Config holds the product catalogue.
type Config struct {
	Products []Product
	// LockGrace is added to the term when sizing the principal's lock TTL,
	// so a contract matures before the lock sweep would reclaim it.
	LockGrace time.Duration
}

// DefaultConfig returns the default products with a one-day grace.
func DefaultConfig() Config {
	return Config{Products: DefaultProducts(), LockGrace: 24 * time.Hour}
}

// Manager owns arbitrage contracts.
type Manager struct {
	store    store.ContractStore
	ledger   *ledger.Ledger
	notifier Notifier
	cfg      Config
	products map[string]Product
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithNotifier publishes contract events.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// NewManager creates a Manager.
func NewManager(st store.ContractStore, l *ledger.Ledger, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:    st,
		ledger:   l,
		cfg:      cfg,
		products: make(map[string]Product, len(cfg.Products)),
		logger:   logger,
		now:      time.Now,
	}
	for _, p := range cfg.Products {
		m.products[p.ID] = p
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Products returns the catalogue in configured order.
func (m *Manager) Products() []Product {
	out := make([]Product, len(m.cfg.Products))
	copy(out, m.cfg.Products)
	return out
}

// SubscribeRequest opens a contract on a product.
type SubscribeRequest struct {
	UserID    string          `json:"-"`
	ProductID string          `json:"product_id"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
}

// Subscribe validates req, locks the principal and persists an active
// contract.
func (m *Manager) Subscribe(ctx context.Context, req SubscribeRequest) (*model.ArbitrageContract, error) {
	if req.UserID == "" {
		return nil, model.Invalid("user_id", "required")
	}
	p, ok := m.products[req.ProductID]
	if !ok {
		return nil, model.Invalid("product_id", "unknown product %q", req.ProductID)
	}
	if !req.Amount.IsPositive() {
		return nil, model.Invalid("amount", "must be positive")
	}
	if req.Amount.LessThan(p.MinAmount) || req.Amount.GreaterThan(p.MaxAmount) {
		return nil, model.Invalid("amount", "must be between %s and %s for %s", p.MinAmount, p.MaxAmount, p.ID)
	}
	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	if asset == "" {
		asset = "USDT"
	}

	now := m.now()
	term := time.Duration(p.DurationDays) * 24 * time.Hour
	c := &model.ArbitrageContract{
		ID:             uuid.New().String(),
		UserID:         req.UserID,
		ProductID:      p.ID,
		ProductLabel:   p.Label,
		Asset:          asset,
		Amount:         req.Amount,
		DailyRate:      p.DailyRate,
		DurationDays:   p.DurationDays,
		ExpectedProfit: p.ExpectedProfit(req.Amount),
		Status:         model.ContractActive,
		StartedAt:      now,
		MaturesAt:      now.Add(term),
	}

	if _, err := m.ledger.Lock(ctx, ledger.LockRequest{
		UserID:  c.UserID,
		Asset:   c.Asset,
		Amount:  c.Amount,
		TradeID: c.ID,
		Kind:    model.LockArbitrage,
		TTL:     term + m.cfg.LockGrace,
	}); err != nil {
		return nil, fmt.Errorf("arbitrage: lock principal: %w", err)
	}
	if err := m.store.CreateContract(ctx, c); err != nil {
		if uerr := m.ledger.Unlock(ctx, c.ID); uerr != nil {
			m.logger.Error("unlock after failed contract insert", "contract_id", c.ID, "error", uerr)
		}
		return nil, fmt.Errorf("arbitrage: create contract: %w", err)
	}

	metrics.ArbitrageContracts.WithLabelValues(string(model.ContractActive)).Inc()
	m.logger.Info("arbitrage contract opened",
		"contract_id", c.ID, "user_id", c.UserID, "product_id", c.ProductID,
		"amount", c.Amount.String(), "expected_profit", c.ExpectedProfit.String(),
		"matures_at", c.MaturesAt)
	m.notify(c.UserID, "contract_opened", c)
	return c, nil
}

// Complete closes an active contract and credits profit on top of the
// principal. A nil profit pays the expected profit. The profit may not be
// negative nor exceed twice the expected profit.
func (m *Manager) Complete(ctx context.Context, id string, profit *decimal.Decimal) (*model.ArbitrageContract, error) {
	c, err := m.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ContractActive {
		return nil, fmt.Errorf("contract %s is %s: %w", id, c.Status, model.ErrConflict)
	}
	pay := c.ExpectedProfit
	if profit != nil {
		if profit.IsNegative() {
			return nil, model.Invalid("profit", "must not be negative")
		}
		if limit := c.ExpectedProfit.Mul(decimal.NewFromInt(2)); profit.GreaterThan(limit) {
			return nil, model.Invalid("profit", "exceeds maximum %s", limit)
		}
		pay = *profit
	}
	return m.close(ctx, c, model.ContractCompleted, pay, "", m.now())
}

// Cancel closes the user's active contract and returns the principal
// without profit.
func (m *Manager) Cancel(ctx context.Context, id, userID, reason string) (*model.ArbitrageContract, error) {
	c, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if c.Status != model.ContractActive {
		return nil, fmt.Errorf("contract %s is %s: %w", id, c.Status, model.ErrConflict)
	}
	if reason == "" {
		reason = "user_cancelled"
	}
	return m.close(ctx, c, model.ContractCancelled, decimal.Zero, reason, m.now())
}

// close claims the terminal transition, then releases the principal. A
// wallet failure after the claim is retried by Sweep.
func (m *Manager) close(ctx context.Context, c *model.ArbitrageContract, status model.ContractStatus, profit decimal.Decimal, reason string, at time.Time) (*model.ArbitrageContract, error) {
	closed := *c
	closed.Status = status
	closed.Profit = profit
	closed.CancelReason = reason
	closed.ClosedAt = &at

	if err := m.store.CloseContract(ctx, &closed); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return m.store.GetContract(ctx, c.ID)
		}
		return nil, fmt.Errorf("arbitrage: close %s: %w", c.ID, err)
	}

	metrics.ArbitrageContracts.WithLabelValues(string(status)).Inc()
	m.logger.Info("arbitrage contract closed",
		"contract_id", c.ID, "user_id", c.UserID, "status", status,
		"profit", profit.String(), "reason", reason)

	if err := m.settle(ctx, &closed); err != nil {
		m.logger.Error("arbitrage principal release deferred", "contract_id", c.ID, "error", err)
	}
	m.notify(c.UserID, "contract_closed", &closed)
	return &closed, nil
}

func (m *Manager) settle(ctx context.Context, c *model.ArbitrageContract) error {
	r := ledger.Release{TradeID: c.ID, Reference: c.ID}
	switch c.Status {
	case model.ContractCompleted:
		r.Key = CompleteKey(c.ID)
		r.Credit = c.Profit
		r.Outcome = model.OutcomeWin
	case model.ContractCancelled:
		r.Key = CancelKey(c.ID)
	default:
		return fmt.Errorf("contract %s is still %s", c.ID, c.Status)
	}
	_, err := m.ledger.Release(ctx, r)
	return err
}

// Sweep completes contracts that reached maturity by now and releases the
// principal of closed contracts whose lock is still held. Returns the
// number of contracts matured or reconciled.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	var errs []error
	n := 0

	due, err := m.store.ListContracts(ctx, store.ContractFilter{Status: model.ContractActive, MaturesBefore: now})
	if err != nil {
		return 0, fmt.Errorf("arbitrage: list due contracts: %w", err)
	}
	for i := range due {
		c := &due[i]
		if _, err := m.close(ctx, c, model.ContractCompleted, c.ExpectedProfit, "", now); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}

	locks, err := m.ledger.ActiveLocks(ctx, "")
	if err != nil {
		return n, errors.Join(append(errs, fmt.Errorf("arbitrage: list locks: %w", err))...)
	}
	for _, lock := range locks {
		if lock.Kind != model.LockArbitrage {
			continue
		}
		c, err := m.store.GetContract(ctx, lock.TradeID)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if c.Status == model.ContractActive {
			continue
		}
		if err := m.settle(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("arbitrage: reconcile %s: %w", c.ID, err))
			continue
		}
		n++
		m.logger.Info("arbitrage principal reconciled", "contract_id", c.ID, "user_id", c.UserID)
	}
	return n, errors.Join(errs...)
}

// LiveLock reports whether an arbitrage lock still backs a known contract.
func (m *Manager) LiveLock(ctx context.Context, lock model.TradeLock) (bool, error) {
	if lock.Kind != model.LockArbitrage {
		return true, nil
	}
	_, err := m.store.GetContract(ctx, lock.TradeID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CompleteKey is the idempotency key of a contract's completion.
func CompleteKey(contractID string) string { return "complete:" + contractID }

// CancelKey is the idempotency key of a contract's cancellation.
func CancelKey(contractID string) string { return "cancel:" + contractID }

// Get returns a contract owned by userID.
func (m *Manager) Get(ctx context.Context, id, userID string) (*model.ArbitrageContract, error) {
	c, err := m.store.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && c.UserID != userID {
		return nil, fmt.Errorf("contract %s: %w", id, model.ErrNotFound)
	}
	return c, nil
}

// List returns the user's contracts, newest first. An empty status matches
// every status.
func (m *Manager) List(ctx context.Context, userID string, status model.ContractStatus, limit int) ([]model.ArbitrageContract, error) {
	if status != "" && !status.Valid() {
		return nil, model.Invalid("status", "unknown contract status %q", status)
	}
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListContracts(ctx, store.ContractFilter{UserID: userID, Status: status, Limit: limit})
}

// Summary aggregates a user's contracts.
type Summary struct {
	TotalInvested      decimal.Decimal `json:"total_invested"`
	TotalProfit        decimal.Decimal `json:"total_profit"`
	ActiveContracts    int             `json:"active_contracts"`
	CompletedContracts int             `json:"completed_contracts"`
	CancelledContracts int             `json:"cancelled_contracts"`
	ProfitRate         decimal.Decimal `json:"profit_rate"` // percent of invested
}

// Summarize sums every contract held by userID.
func (m *Manager) Summarize(ctx context.Context, userID string) (*Summary, error) {
	all, err := m.store.ListContracts(ctx, store.ContractFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("arbitrage: list contracts: %w", err)
	}
	s := &Summary{}
	for _, c := range all {
		s.TotalInvested = s.TotalInvested.Add(c.Amount)
		s.TotalProfit = s.TotalProfit.Add(c.Profit)
		switch c.Status {
		case model.ContractActive:
			s.ActiveContracts++
		case model.ContractCompleted:
			s.CompletedContracts++
		case model.ContractCancelled:
			s.CancelledContracts++
		}
	}
	if s.TotalInvested.IsPositive() {
		s.ProfitRate = s.TotalProfit.Div(s.TotalInvested).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return s, nil
}

func (m *Manager) notify(userID, event string, payload any) {
	if m.notifier != nil {
		m.notifier.Notify(userID, event, payload)
	}
}
