// Package futures manages leveraged positions: margin locking at open, mark
// updates from the price feed, liquidation and take-profit/stop-loss
// triggers, and wallet settlement at close.
package futures

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
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// PriceSource provides the latest known price of a pair.
type PriceSource interface {
	LatestPrice(ctx context.Context, instrument string) (decimal.Decimal, error)
}

// Notifier pushes events to a user's live connections.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Config holds the margin rules.
type Config struct {
	MaxLeverage       decimal.Decimal
	MaintenanceMargin decimal.Decimal // fraction of entry
	LiquidationBuffer decimal.Decimal // fraction of entry
	LockTTL           time.Duration
}

// DefaultConfig returns 125x max leverage, 0.5% maintenance and 1% buffer.
func DefaultConfig() Config {
	return Config{
		MaxLeverage:       decimal.NewFromInt(125),
		MaintenanceMargin: decimal.RequireFromString("0.005"),
		LiquidationBuffer: decimal.RequireFromString("0.01"),
		LockTTL:           30 * 24 * time.Hour,
	}
}

// Manager owns futures positions.
type Manager struct {
	store    store.PositionStore
	ledger   *ledger.Ledger
	prices   PriceSource
	notifier Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithNotifier publishes position events.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// NewManager creates a Manager.
func NewManager(st store.PositionStore, l *ledger.Ledger, prices PriceSource, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: st, ledger: l, prices: prices, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OpenRequest describes a new position.
type OpenRequest struct {
	UserID     string             `json:"-"`
	Pair       string             `json:"pair"`
	Side       model.PositionSide `json:"side"`
	Size       decimal.Decimal    `json:"size"`
	Leverage   decimal.Decimal    `json:"leverage"`
	TakeProfit *decimal.Decimal   `json:"take_profit,omitempty"`
	StopLoss   *decimal.Decimal   `json:"stop_loss,omitempty"`
}

var one = decimal.NewFromInt(1)

// LiquidationPrice returns the price at which a position opened at entry
// with leverage is force-closed. Longs liquidate below entry, shorts above.
func (m *Manager) LiquidationPrice(side model.PositionSide, entry, leverage decimal.Decimal) decimal.Decimal {
	move := one.Div(leverage).Add(m.cfg.MaintenanceMargin).Add(m.cfg.LiquidationBuffer)
	if side == model.SideBuy {
		p := entry.Mul(one.Sub(move))
		if p.IsNegative() {
			return decimal.Zero
		}
		return p
	}
	return entry.Mul(one.Add(move))
}

// Open validates req, locks the margin and persists an open position.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*model.Position, error) {
	if req.UserID == "" {
		return nil, model.Invalid("user_id", "required")
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return nil, model.Invalid("side", "must be buy or sell")
	}
	if !req.Size.IsPositive() {
		return nil, model.Invalid("size", "must be positive")
	}
	if req.Leverage.LessThan(one) || req.Leverage.GreaterThan(m.cfg.MaxLeverage) {
		return nil, model.Invalid("leverage", "must be between 1 and %s", m.cfg.MaxLeverage)
	}
	inst, err := instrument.Parse(req.Pair)
	if err != nil {
		return nil, model.Invalid("pair", "%s", err.Error())
	}

	entry, err := m.prices.LatestPrice(ctx, inst.Symbol)
	if err != nil {
		return nil, fmt.Errorf("futures: entry price: %w", err)
	}
	if err := validateTriggers(req, entry); err != nil {
		return nil, err
	}

	now := m.now()
	p := &model.Position{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Pair:             inst.Symbol,
		Asset:            inst.Quote,
		Side:             req.Side,
		Size:             req.Size,
		EntryPrice:       entry,
		MarkPrice:        entry,
		Margin:           req.Size.Mul(entry).Div(req.Leverage),
		Leverage:         req.Leverage,
		LiquidationPrice: m.LiquidationPrice(req.Side, entry, req.Leverage),
		TakeProfit:       req.TakeProfit,
		StopLoss:         req.StopLoss,
		Status:           model.PositionOpen,
		LastPriceAt:      now,
		OpenedAt:         now,
	}

	if _, err := m.ledger.Lock(ctx, ledger.LockRequest{
		UserID:  p.UserID,
		Asset:   p.Asset,
		Amount:  p.Margin,
		TradeID: p.ID,
		Kind:    model.LockFutures,
		TTL:     m.cfg.LockTTL,
	}); err != nil {
		return nil, fmt.Errorf("futures: lock margin: %w", err)
	}
	if err := m.store.CreatePosition(ctx, p); err != nil {
		if uerr := m.ledger.Unlock(ctx, p.ID); uerr != nil {
			m.logger.Error("unlock after failed position insert", "position_id", p.ID, "error", uerr)
		}
		return nil, fmt.Errorf("futures: create position: %w", err)
	}

	metrics.PositionsOpened.WithLabelValues(string(p.Side)).Inc()
	m.logger.Info("position opened",
		"position_id", p.ID, "user_id", p.UserID, "pair", p.Pair, "side", p.Side,
		"size", p.Size.String(), "entry_price", entry.String(), "leverage", p.Leverage.String(),
		"margin", p.Margin.String(), "liquidation_price", p.LiquidationPrice.String())
	m.notify(p.UserID, "position_opened", p)
	return p, nil
}

func validateTriggers(req OpenRequest, entry decimal.Decimal) error {
	long := req.Side == model.SideBuy
	if tp := req.TakeProfit; tp != nil {
		if !tp.IsPositive() || (long && !tp.GreaterThan(entry)) || (!long && !tp.LessThan(entry)) {
			return model.Invalid("take_profit", "must be on the profit side of entry %s", entry)
		}
	}
	if sl := req.StopLoss; sl != nil {
		if !sl.IsPositive() || (long && !sl.LessThan(entry)) || (!long && !sl.GreaterThan(entry)) {
			return model.Invalid("stop_loss", "must be on the loss side of entry %s", entry)
		}
	}
	return nil
}

// PnL returns the signed profit of p marked at price.
func PnL(p *model.Position, price decimal.Decimal) decimal.Decimal {
	diff := price.Sub(p.EntryPrice)
	if p.Side == model.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(p.Size)
}

// trigger returns the close reason price fires for p, if any. Liquidation
// beats take-profit, which beats stop-loss.
func trigger(p *model.Position, price decimal.Decimal) (model.CloseReason, bool) {
	long := p.Side == model.SideBuy
	if (long && price.LessThanOrEqual(p.LiquidationPrice)) || (!long && price.GreaterThanOrEqual(p.LiquidationPrice)) {
		return model.CloseLiquidation, true
	}
	if tp := p.TakeProfit; tp != nil {
		if (long && price.GreaterThanOrEqual(*tp)) || (!long && price.LessThanOrEqual(*tp)) {
			return model.CloseTakeProfit, true
		}
	}
	if sl := p.StopLoss; sl != nil {
		if (long && price.LessThanOrEqual(*sl)) || (!long && price.GreaterThanOrEqual(*sl)) {
			return model.CloseStopLoss, true
		}
	}
	return "", false
}

// OnPrice marks every open position on pair at price. Samples not newer
// than a position's last mark are ignored. Returns the number of positions
// closed by a trigger.
func (m *Manager) OnPrice(ctx context.Context, pair string, price decimal.Decimal, ts time.Time) (int, error) {
	open := true
	positions, err := m.store.ListPositions(ctx, store.PositionFilter{Pair: pair, Open: &open})
	if err != nil {
		return 0, fmt.Errorf("futures: list open positions: %w", err)
	}

	closed := 0
	var errs []error
	for i := range positions {
		p := &positions[i]
		if !ts.After(p.LastPriceAt) {
			continue
		}
		if reason, ok := trigger(p, price); ok {
			if _, err := m.closeAt(ctx, p, price, reason, ts); err != nil {
				errs = append(errs, err)
				continue
			}
			closed++
			continue
		}
		p.MarkPrice = price
		p.UnrealizedPnL = PnL(p, price)
		p.LastPriceAt = ts
		if err := m.store.UpdateMark(ctx, p); err != nil && !errors.Is(err, model.ErrConflict) {
			errs = append(errs, fmt.Errorf("futures: mark %s: %w", p.ID, err))
		}
	}
	return closed, errors.Join(errs...)
}

// Close closes the user's position at its current mark.
func (m *Manager) Close(ctx context.Context, id, userID string) (*model.Position, error) {
	p, err := m.Get(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if p.Status != model.PositionOpen {
		return nil, fmt.Errorf("position %s is %s: %w", id, p.Status, model.ErrConflict)
	}
	return m.closeAt(ctx, p, p.MarkPrice, model.CloseManual, m.now())
}

// closeAt claims the terminal transition, then settles the margin. A wallet
// failure after the claim is retried by Reconcile.
func (m *Manager) closeAt(ctx context.Context, p *model.Position, price decimal.Decimal, reason model.CloseReason, at time.Time) (*model.Position, error) {
	pnl := PnL(p, price)
	if floor := p.Margin.Neg(); reason == model.CloseLiquidation || pnl.LessThan(floor) {
		pnl = floor
	}

	closed := *p
	closed.Status = model.PositionClosed
	if reason == model.CloseLiquidation {
		closed.Status = model.PositionLiquidated
	}
	closed.CloseReason = reason
	closed.MarkPrice = price
	closed.ClosePrice = &price
	closed.RealizedPnL = pnl
	closed.UnrealizedPnL = decimal.Zero
	closed.LastPriceAt = at
	closed.ClosedAt = &at

	if err := m.store.ClosePosition(ctx, &closed); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return m.store.GetPosition(ctx, p.ID)
		}
		return nil, fmt.Errorf("futures: close %s: %w", p.ID, err)
	}

	metrics.PositionsClosed.WithLabelValues(string(reason)).Inc()
	m.logger.Info("position closed",
		"position_id", p.ID, "user_id", p.UserID, "reason", reason,
		"close_price", price.String(), "realized_pnl", pnl.String())

	if err := m.settle(ctx, &closed); err != nil {
		m.logger.Error("position margin settlement deferred", "position_id", p.ID, "error", err)
	}
	m.notify(p.UserID, "position_closed", &closed)
	return &closed, nil
}

// settle releases the margin of a closed position: a profit is credited on
// top of the margin, a loss is forfeited from it.
func (m *Manager) settle(ctx context.Context, p *model.Position) error {
	r := ledger.Release{
		TradeID:   p.ID,
		Key:       CloseKey(p.ID),
		Reference: p.ID,
		Outcome:   model.OutcomeWin,
	}
	if p.RealizedPnL.IsNegative() {
		r.Forfeit = p.RealizedPnL.Abs()
		r.Outcome = model.OutcomeLose
	} else {
		r.Credit = p.RealizedPnL
	}
	_, err := m.ledger.Release(ctx, r)
	return err
}

// Reconcile settles the margin of closed positions whose lock is still
// held. Returns the number settled.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	locks, err := m.ledger.ActiveLocks(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("futures: list locks: %w", err)
	}
	n := 0
	var errs []error
	for _, lock := range locks {
		if lock.Kind != model.LockFutures {
			continue
		}
		p, err := m.store.GetPosition(ctx, lock.TradeID)
		if err != nil {
			if !errors.Is(err, model.ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		if p.Status == model.PositionOpen {
			continue
		}
		if err := m.settle(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("futures: reconcile %s: %w", p.ID, err))
			continue
		}
		n++
		m.logger.Info("position margin reconciled", "position_id", p.ID, "user_id", p.UserID)
	}
	return n, errors.Join(errs...)
}

// LiveLock reports whether a futures lock still backs a known position.
// Closed positions keep their lock until Reconcile settles it.
func (m *Manager) LiveLock(ctx context.Context, lock model.TradeLock) (bool, error) {
	if lock.Kind != model.LockFutures {
		return true, nil
	}
	_, err := m.store.GetPosition(ctx, lock.TradeID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CloseKey is the idempotency key of a position's close transaction.
func CloseKey(positionID string) string { return "close:" + positionID }

// Get returns a position owned by userID.
func (m *Manager) Get(ctx context.Context, id, userID string) (*model.Position, error) {
	p, err := m.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && p.UserID != userID {
		return nil, fmt.Errorf("position %s: %w", id, model.ErrNotFound)
	}
	return p, nil
}

// OpenPositions returns the user's open positions.
func (m *Manager) OpenPositions(ctx context.Context, userID string) ([]model.Position, error) {
	open := true
	return m.store.ListPositions(ctx, store.PositionFilter{UserID: userID, Open: &open})
}

// History returns the user's closed and liquidated positions, newest first.
func (m *Manager) History(ctx context.Context, userID string, limit int) ([]model.Position, error) {
	open := false
	if limit <= 0 {
		limit = 50
	}
	return m.store.ListPositions(ctx, store.PositionFilter{UserID: userID, Open: &open, Limit: limit})
}

// Summary aggregates a user's open positions.
type Summary struct {
	OpenPositions   int             `json:"open_positions"`
	TotalMargin     decimal.Decimal `json:"total_margin"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPct   decimal.Decimal `json:"unrealized_pct"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	ClosedPositions int             `json:"closed_positions"`
}

// PnLSummary sums open exposure and realized results for userID.
func (m *Manager) PnLSummary(ctx context.Context, userID string) (*Summary, error) {
	all, err := m.store.ListPositions(ctx, store.PositionFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("futures: list positions: %w", err)
	}
	s := &Summary{}
	for _, p := range all {
		if p.Status == model.PositionOpen {
			s.OpenPositions++
			s.TotalMargin = s.TotalMargin.Add(p.Margin)
			s.UnrealizedPnL = s.UnrealizedPnL.Add(p.UnrealizedPnL)
			continue
		}
		s.ClosedPositions++
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
	}
	if s.TotalMargin.IsPositive() {
		s.UnrealizedPct = s.UnrealizedPnL.Div(s.TotalMargin).Mul(decimal.NewFromInt(100)).Round(2)
	}
	return s, nil
}

func (m *Manager) notify(userID, event string, payload any) {
	if m.notifier != nil {
		m.notifier.Notify(userID, event, payload)
	}
}
