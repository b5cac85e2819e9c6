package options

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/metrics"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// ScheduleRequest defers an order until ScheduledTime.
type ScheduleRequest struct {
	CreateRequest
	ScheduledTime time.Time `json:"scheduled_time"`
}

// Schedule validates req, locks stake+fee immediately and persists a
// PENDING scheduled trade.
func (m *Manager) Schedule(ctx context.Context, req ScheduleRequest) (*model.ScheduledTrade, error) {
	t, err := m.validate(req.CreateRequest)
	if err != nil {
		return nil, err
	}
	now := m.now()
	if req.ScheduledTime.Before(now.Add(m.cfg.MinScheduleLead)) {
		return nil, model.Invalid("scheduled_time", "must be at least %s in the future", m.cfg.MinScheduleLead)
	}
	if req.ScheduledTime.After(now.Add(m.cfg.MaxScheduleLead)) {
		return nil, model.Invalid("scheduled_time", "must be within %s", m.cfg.MaxScheduleLead)
	}

	st := &model.ScheduledTrade{
		ID:               uuid.New().String(),
		UserID:           req.UserID,
		Instrument:       t.inst.Symbol,
		Asset:            t.inst.Quote,
		Direction:        req.Direction,
		Stake:            req.Stake,
		Fee:              t.fee,
		DurationSeconds:  req.DurationSeconds,
		FluctuationRange: req.FluctuationRange,
		PayoutRate:       t.payoutRate,
		ScheduledTime:    req.ScheduledTime,
		Status:           model.ScheduledPending,
		CreatedAt:        now,
	}

	if _, err := m.ledger.Lock(ctx, ledger.LockRequest{
		UserID:  st.UserID,
		Asset:   st.Asset,
		Amount:  st.Stake.Add(st.Fee),
		TradeID: st.ID,
		Kind:    model.LockScheduled,
		TTL:     st.ScheduledTime.Sub(now) + m.cfg.LockGrace,
	}); err != nil {
		return nil, fmt.Errorf("options: lock funds: %w", err)
	}
	if err := m.store.CreateScheduled(ctx, st); err != nil {
		if uerr := m.ledger.Unlock(ctx, st.ID); uerr != nil {
			m.logger.Error("unlock after failed schedule insert", "scheduled_id", st.ID, "error", uerr)
		}
		return nil, fmt.Errorf("options: create scheduled trade: %w", err)
	}

	m.logger.Info("option trade scheduled",
		"scheduled_id", st.ID, "user_id", st.UserID, "instrument", st.Instrument,
		"stake", st.Stake.String(), "scheduled_time", st.ScheduledTime)
	m.notify(st.UserID, "trade_scheduled", st)
	return st, nil
}

// CancelScheduled cancels a PENDING trade and returns its funds.
func (m *Manager) CancelScheduled(ctx context.Context, id, userID string) (*model.ScheduledTrade, error) {
	st, err := m.store.GetScheduled(ctx, id)
	if err != nil {
		return nil, err
	}
	if userID != "" && st.UserID != userID {
		return nil, fmt.Errorf("scheduled trade %s: %w", id, model.ErrNotFound)
	}
	if st.Status != model.ScheduledPending {
		return nil, fmt.Errorf("scheduled trade %s is %s: %w", id, st.Status, model.ErrOrderNotCancellable)
	}

	st.Status = model.ScheduledCancelled
	if err := m.store.UpdateScheduled(ctx, st, model.ScheduledPending); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return nil, fmt.Errorf("scheduled trade %s changed state: %w", id, model.ErrOrderNotCancellable)
		}
		return nil, fmt.Errorf("options: cancel scheduled %s: %w", id, err)
	}
	if err := m.ledger.Unlock(ctx, st.ID); err != nil {
		return nil, fmt.Errorf("options: unlock scheduled %s: %w", id, err)
	}

	metrics.OrdersCancelled.WithLabelValues("scheduled").Inc()
	m.logger.Info("scheduled trade cancelled", "scheduled_id", id, "user_id", st.UserID)
	m.notify(st.UserID, "scheduled_cancelled", st)
	return st, nil
}

// Scheduled returns the user's PENDING trades ordered by scheduled time.
func (m *Manager) Scheduled(ctx context.Context, userID string) ([]model.ScheduledTrade, error) {
	return m.store.ListScheduled(ctx, store.ScheduledFilter{UserID: userID, Status: model.ScheduledPending})
}

// PromoteDue turns every PENDING trade due at now into an ACTIVE order.
// Each trade is claimed with a conditional PENDING→EXECUTED update so it
// converts at most once; a trade that cannot be converted is marked FAILED
// and its funds are returned. Returns the number of orders created.
func (m *Manager) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := m.store.ListScheduled(ctx, store.ScheduledFilter{Status: model.ScheduledPending, DueBefore: now})
	if err != nil {
		return 0, fmt.Errorf("options: list due scheduled trades: %w", err)
	}

	promoted := 0
	var errs []error
	for i := range due {
		ok, err := m.promote(ctx, &due[i], now)
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			promoted++
		}
	}
	return promoted, errors.Join(errs...)
}

func (m *Manager) promote(ctx context.Context, st *model.ScheduledTrade, now time.Time) (bool, error) {
	orderID := uuid.New().String()
	st.Status = model.ScheduledExecuted
	st.ExecutedOrderID = orderID
	st.ExecutedAt = &now
	if err := m.store.UpdateScheduled(ctx, st, model.ScheduledPending); err != nil {
		if errors.Is(err, model.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("options: claim scheduled %s: %w", st.ID, err)
	}

	entry, err := m.prices.LatestPrice(ctx, st.Instrument)
	if err != nil {
		return false, m.failScheduled(ctx, st, st.ID, "entry price unavailable: "+err.Error())
	}

	start := now.Unix()
	o := &model.Order{
		ID:               orderID,
		UserID:           st.UserID,
		Instrument:       st.Instrument,
		Asset:            st.Asset,
		Direction:        st.Direction,
		Stake:            st.Stake,
		EntryPrice:       entry,
		DurationSeconds:  st.DurationSeconds,
		FluctuationRange: st.FluctuationRange,
		PayoutRate:       st.PayoutRate,
		Profit:           st.Stake.Mul(st.PayoutRate.Sub(decimalOne)),
		Fee:              st.Fee,
		StartTime:        start,
		EndTime:          start + st.DurationSeconds,
		Status:           model.OrderActive,
		CreatedAt:        now,
	}

	if _, err := m.ledger.MoveLock(ctx, st.ID, ledger.LockRequest{
		TradeID: orderID,
		Kind:    model.LockOptions,
		TTL:     time.Duration(st.DurationSeconds)*time.Second + m.cfg.LockGrace,
	}, "promote:"+st.ID); err != nil {
		return false, m.failScheduled(ctx, st, st.ID, "move lock: "+err.Error())
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return false, m.failScheduled(ctx, st, orderID, "create order: "+err.Error())
	}

	metrics.ScheduledPromotions.WithLabelValues("executed").Inc()
	metrics.OrdersCreated.WithLabelValues(string(o.Direction)).Inc()
	m.logger.Info("scheduled trade executed",
		"scheduled_id", st.ID, "order_id", o.ID, "user_id", o.UserID,
		"entry_price", entry.String(), "end_time", o.EndTime)
	m.notify(o.UserID, "scheduled_executed", o)
	return true, nil
}

// failScheduled marks a claimed trade FAILED and returns the funds held
// under lockTradeID.
func (m *Manager) failScheduled(ctx context.Context, st *model.ScheduledTrade, lockTradeID, reason string) error {
	metrics.ScheduledPromotions.WithLabelValues("failed").Inc()
	m.logger.Warn("scheduled trade failed", "scheduled_id", st.ID, "user_id", st.UserID, "reason", reason)

	st.Status = model.ScheduledFailed
	st.FailureReason = reason
	var errs []error
	if err := m.store.UpdateScheduled(ctx, st, model.ScheduledExecuted); err != nil && !errors.Is(err, model.ErrConflict) {
		errs = append(errs, fmt.Errorf("options: mark scheduled %s failed: %w", st.ID, err))
	}
	if err := m.ledger.Unlock(ctx, lockTradeID); err != nil && !errors.Is(err, model.ErrLockNotActive) {
		errs = append(errs, fmt.Errorf("options: release scheduled %s: %w", st.ID, err))
	}
	m.notify(st.UserID, "scheduled_failed", st)
	return errors.Join(errs...)
}
