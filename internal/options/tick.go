package options

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/store"
)

// TickResult reports what one Tick did.
type TickResult struct {
	Activated int
	Settled   int
	Failed    int
}

// Tick activates SCHEDULED orders whose start has arrived and settles every
// ACTIVE order whose countdown reached zero. Independent orders settle
// concurrently, bounded by Config.SettleConcurrency.
func (m *Manager) Tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult

	activated, err := m.activateDue(ctx, now)
	res.Activated = activated
	if err != nil {
		return res, err
	}

	active, err := m.store.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderActive}})
	if err != nil {
		return res, fmt.Errorf("options: list active orders: %w", err)
	}
	if m.settler == nil {
		return res, nil
	}

	var settled, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	limit := m.cfg.SettleConcurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, o := range active {
		if !o.Expired(now) {
			continue
		}
		id := o.ID
		g.Go(func() error {
			if _, err := m.settler.Settle(gctx, id); err != nil {
				// Left ACTIVE; the next tick tries again.
				failed.Add(1)
				return nil
			}
			settled.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res.Settled = int(settled.Load())
	res.Failed = int(failed.Load())
	return res, nil
}

// activateDue moves SCHEDULED orders to ACTIVE once StartTime has passed,
// capturing the entry price. Orders without a price yet wait for the next tick.
func (m *Manager) activateDue(ctx context.Context, now time.Time) (int, error) {
	scheduled, err := m.store.ListOrders(ctx, store.OrderFilter{Statuses: []model.OrderStatus{model.OrderScheduled}})
	if err != nil {
		return 0, fmt.Errorf("options: list scheduled orders: %w", err)
	}

	n := 0
	for i := range scheduled {
		o := &scheduled[i]
		if o.StartTime > now.Unix() {
			continue
		}
		entry, err := m.prices.LatestPrice(ctx, o.Instrument)
		if err != nil {
			m.logger.Debug("activation deferred, no price", "order_id", o.ID, "instrument", o.Instrument)
			continue
		}
		o.EntryPrice = entry
		o.Status = model.OrderActive
		if err := m.store.UpdateOrder(ctx, o, model.OrderScheduled); err != nil {
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			return n, fmt.Errorf("options: activate %s: %w", o.ID, err)
		}
		n++
		m.logger.Info("option order activated", "order_id", o.ID, "user_id", o.UserID, "entry_price", entry.String())
		m.notify(o.UserID, "order_activated", o)
	}
	return n, nil
}

// LiveLock reports whether an options or scheduled lock still backs a
// trade that needs it. Unknown trades are not live.
func (m *Manager) LiveLock(ctx context.Context, lock model.TradeLock) (bool, error) {
	switch lock.Kind {
	case model.LockOptions:
		o, err := m.store.GetOrder(ctx, lock.TradeID)
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return !o.Status.Terminal(), nil
	case model.LockScheduled:
		st, err := m.store.GetScheduled(ctx, lock.TradeID)
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return st.Status == model.ScheduledPending, nil
	}
	return true, nil
}
