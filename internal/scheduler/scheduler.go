// Package scheduler runs every time-driven and price-driven job of the
// engine from one goroutine, so each event is handled to completion before
// the next one is read.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/options"
)

// Orders is the option order lifecycle.
type Orders interface {
	Tick(ctx context.Context, now time.Time) (options.TickResult, error)
	PromoteDue(ctx context.Context, now time.Time) (int, error)
}

// Positions is the futures position engine.
type Positions interface {
	OnPrice(ctx context.Context, pair string, price decimal.Decimal, ts time.Time) (int, error)
	Reconcile(ctx context.Context) (int, error)
}

// Contracts matures fixed-term arbitrage contracts.
type Contracts interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Locks expires stale trade locks.
type Locks interface {
	ExpireStale(ctx context.Context, now time.Time, live ledger.LiveFunc) (int, error)
}

// Prices is the in-memory price window.
type Prices interface {
	Record(instrument string, ts time.Time, price, volume decimal.Decimal)
	Prune(before time.Time) int
}

// Mirror persists the latest price per instrument.
type Mirror interface {
	SaveLatest(ctx context.Context, s model.PriceSample) error
}

// Notifier broadcasts price updates.
type Notifier interface {
	Notify(userID, event string, payload any)
}

// Config holds the job intervals.
type Config struct {
	ExpiryInterval    time.Duration
	PromotionInterval time.Duration
	SweepInterval     time.Duration
	PruneInterval     time.Duration
	PriceRetention    time.Duration
	TickBuffer        int
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		ExpiryInterval:    100 * time.Millisecond,
		PromotionInterval: time.Second,
		SweepInterval:     time.Minute,
		PruneInterval:     time.Hour,
		PriceRetention:    24 * time.Hour,
		TickBuffer:        1024,
	}
}

// Scheduler owns the engine's timers and the price-tick channel.
type Scheduler struct {
	orders    Orders
	positions Positions
	contracts Contracts
	locks     Locks
	prices    Prices
	mirror    Mirror
	notifier  Notifier
	live      ledger.LiveFunc
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	ticks     chan model.PriceSample
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithMirror persists every recorded tick.
func WithMirror(m Mirror) Option { return func(s *Scheduler) { s.mirror = m } }

// WithNotifier broadcasts every recorded tick.
func WithNotifier(n Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithContracts matures arbitrage contracts on every sweep.
func WithContracts(c Contracts) Option { return func(s *Scheduler) { s.contracts = c } }

// WithLiveCheck decides which stale locks the sweep may expire.
func WithLiveCheck(live ledger.LiveFunc) Option { return func(s *Scheduler) { s.live = live } }

// New creates a Scheduler.
func New(orders Orders, positions Positions, locks Locks, prices Prices, cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickBuffer <= 0 {
		cfg.TickBuffer = DefaultConfig().TickBuffer
	}
	s := &Scheduler{
		orders:    orders,
		positions: positions,
		locks:     locks,
		prices:    prices,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		ticks:     make(chan model.PriceSample, cfg.TickBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues a price sample. It blocks while the buffer is full.
func (s *Scheduler) Submit(ctx context.Context, sample model.PriceSample) error {
	select {
	case s.ticks <- sample:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes timers and price ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	expiry := time.NewTicker(s.cfg.ExpiryInterval)
	defer expiry.Stop()
	promotion := time.NewTicker(s.cfg.PromotionInterval)
	defer promotion.Stop()
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	prune := time.NewTicker(s.cfg.PruneInterval)
	defer prune.Stop()

	s.logger.Info("scheduler started",
		"expiry_interval", s.cfg.ExpiryInterval, "promotion_interval", s.cfg.PromotionInterval,
		"sweep_interval", s.cfg.SweepInterval, "prune_interval", s.cfg.PruneInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case sample := <-s.ticks:
			s.HandlePrice(ctx, sample)
		case <-expiry.C:
			s.StepExpiry(ctx)
		case <-promotion.C:
			s.StepPromotion(ctx)
		case <-sweep.C:
			s.StepSweep(ctx)
		case <-prune.C:
			s.StepPrune()
		}
	}
}

// HandlePrice records a tick, mirrors it and marks open positions.
func (s *Scheduler) HandlePrice(ctx context.Context, sample model.PriceSample) {
	s.prices.Record(sample.Instrument, sample.Timestamp, sample.Price, sample.Volume)
	if s.mirror != nil {
		if err := s.mirror.SaveLatest(ctx, sample); err != nil {
			s.logger.Warn("price mirror write failed", "instrument", sample.Instrument, "error", err)
		}
	}
	if s.notifier != nil {
		s.notifier.Notify("", "price", sample)
	}
	if s.positions == nil {
		return
	}
	closed, err := s.positions.OnPrice(ctx, sample.Instrument, sample.Price, sample.Timestamp)
	if err != nil {
		s.logger.Error("position update failed", "instrument", sample.Instrument, "error", err)
	}
	if closed > 0 {
		s.logger.Info("positions closed by price", "instrument", sample.Instrument, "count", closed)
	}
}

// StepExpiry activates due orders and settles expired ones.
func (s *Scheduler) StepExpiry(ctx context.Context) {
	res, err := s.orders.Tick(ctx, s.now())
	if err != nil {
		s.logger.Error("expiry tick failed", "error", err)
		return
	}
	if res.Activated > 0 || res.Settled > 0 || res.Failed > 0 {
		s.logger.Debug("expiry tick", "activated", res.Activated, "settled", res.Settled, "failed", res.Failed)
	}
}

// StepPromotion converts due scheduled trades into orders.
func (s *Scheduler) StepPromotion(ctx context.Context) {
	n, err := s.orders.PromoteDue(ctx, s.now())
	if err != nil {
		s.logger.Error("scheduled promotion failed", "error", err)
	}
	if n > 0 {
		s.logger.Info("scheduled trades promoted", "count", n)
	}
}

// StepSweep settles deferred position margin, matures due contracts and
// expires stale locks.
func (s *Scheduler) StepSweep(ctx context.Context) {
	if s.positions != nil {
		if _, err := s.positions.Reconcile(ctx); err != nil {
			s.logger.Error("position reconcile failed", "error", err)
		}
	}
	if s.contracts != nil {
		matured, err := s.contracts.Sweep(ctx, s.now())
		if err != nil {
			s.logger.Error("contract sweep failed", "error", err)
		}
		if matured > 0 {
			s.logger.Info("arbitrage contracts swept", "count", matured)
		}
	}
	n, err := s.locks.ExpireStale(ctx, s.now(), s.live)
	if err != nil {
		s.logger.Error("lock sweep failed", "error", err)
	}
	if n > 0 {
		s.logger.Warn("stale locks expired", "count", n)
	}
}

// StepPrune drops price samples older than the retention window.
func (s *Scheduler) StepPrune() {
	n := s.prices.Prune(s.now().Add(-s.cfg.PriceRetention))
	if n > 0 {
		s.logger.Debug("price samples pruned", "count", n)
	}
}

// AllLive combines per-kind live checks: a lock is live only if no check
// reports it dead.
func AllLive(checks ...ledger.LiveFunc) ledger.LiveFunc {
	return func(ctx context.Context, lock model.TradeLock) (bool, error) {
		var errs []error
		for _, check := range checks {
			ok, err := check(ctx, lock)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !ok {
				return false, nil
			}
		}
		if len(errs) > 0 {
			return false, errors.Join(errs...)
		}
		return true, nil
	}
}
