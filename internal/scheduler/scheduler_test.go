package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/trade-engine/internal/arbitrage"
	"github.com/atmx/trade-engine/internal/futures"
	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/options"
	"github.com/atmx/trade-engine/internal/outcome"
	"github.com/atmx/trade-engine/internal/pricecache"
	"github.com/atmx/trade-engine/internal/settlement"
	"github.com/atmx/trade-engine/internal/store"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(by time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(by)
	c.mu.Unlock()
}

type engine struct {
	clock     *clock
	st        *store.MemoryStore
	ledger    *ledger.Ledger
	prices    *pricecache.Cache
	orders    *options.Manager
	positions *futures.Manager
	contracts *arbitrage.Manager
	sched     *Scheduler
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := &engine{
		clock:  &clock{t: time.Date(2026, 9, 10, 12, 0, 0, 0, time.UTC)},
		st:     store.NewMemoryStore(),
		prices: pricecache.New(0),
	}
	e.ledger = ledger.New(e.st, logger, ledger.WithClock(e.clock.Now))
	policy := outcome.NewPolicy(e.st, outcome.DefaultSettings())
	resolver := outcome.NewResolver(e.st, policy, logger, outcome.WithClock(e.clock.Now))
	settler := settlement.New(e.st, e.ledger, e.prices, resolver, logger, settlement.WithClock(e.clock.Now))
	e.orders = options.NewManager(e.st, e.ledger, e.prices, options.DefaultConfig(), logger,
		options.WithClock(e.clock.Now), options.WithSettler(settler))
	e.positions = futures.NewManager(e.st, e.ledger, e.prices, futures.DefaultConfig(), logger,
		futures.WithClock(e.clock.Now))
	e.contracts = arbitrage.NewManager(e.st, e.ledger, arbitrage.DefaultConfig(), logger,
		arbitrage.WithClock(e.clock.Now))
	e.sched = New(e.orders, e.positions, e.ledger, e.prices, DefaultConfig(), logger,
		WithClock(e.clock.Now),
		WithContracts(e.contracts),
		WithLiveCheck(AllLive(e.orders.LiveLock, e.positions.LiveLock, e.contracts.LiveLock)))

	_, err := e.ledger.Deposit(context.Background(), "u1", "USDT", model.BucketTrading, d("10000"), "seed")
	require.NoError(t, err)
	e.price(d("50000"))
	return e
}

func (e *engine) price(p decimal.Decimal) {
	e.sched.HandlePrice(context.Background(), model.PriceSample{Instrument: "BTCUSDT", Timestamp: e.clock.Now(), Price: p})
}

func (e *engine) balance(t *testing.T) model.WalletBalance {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	return b
}

func TestExpiryStepSettles(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o, err := e.orders.Create(ctx, options.CreateRequest{
		UserID: "u1", Instrument: "BTCUSDT", Direction: model.DirectionDown,
		Stake: d("100"), DurationSeconds: 60, FluctuationRange: d("0.01"), PayoutRate: d("1.18"),
	})
	require.NoError(t, err)

	e.clock.Advance(30 * time.Second)
	e.sched.StepExpiry(ctx)
	got, err := e.st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderActive, got.Status)

	e.clock.Advance(30 * time.Second)
	e.price(d("50200"))
	e.sched.StepExpiry(ctx)
	got, err = e.st.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderCompleted, got.Status)
	assert.Equal(t, model.OutcomeLose, got.Outcome)
	assert.True(t, e.balance(t).Locked.IsZero())
}

func TestPromotionStep(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.orders.Schedule(ctx, options.ScheduleRequest{
		CreateRequest: options.CreateRequest{
			UserID: "u1", Instrument: "BTCUSDT", Direction: model.DirectionUp,
			Stake: d("100"), DurationSeconds: 60, FluctuationRange: d("0.01"), PayoutRate: d("1.18"),
		},
		ScheduledTime: e.clock.Now().Add(10 * time.Second),
	})
	require.NoError(t, err)

	e.clock.Advance(10 * time.Second)
	e.sched.StepPromotion(ctx)

	active, err := e.orders.Active(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestPriceTickDrivesPositions(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	p, err := e.positions.Open(ctx, futures.OpenRequest{UserID: "u1", Pair: "BTCUSDT", Side: model.SideBuy, Size: d("0.1"), Leverage: d("10")})
	require.NoError(t, err)

	e.clock.Advance(time.Second)
	e.price(d("44000"))

	got, err := e.positions.Get(ctx, p.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.PositionLiquidated, got.Status)

	latest, ok := e.prices.Latest("BTCUSDT")
	require.True(t, ok)
	assert.True(t, latest.Price.Equal(d("44000")))
}

func TestSweepExpiresOnlyDeadLocks(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	o, err := e.orders.Create(ctx, options.CreateRequest{
		UserID: "u1", Instrument: "BTCUSDT", Direction: model.DirectionUp,
		Stake: d("100"), DurationSeconds: 60, FluctuationRange: d("0.01"), PayoutRate: d("1.18"),
	})
	require.NoError(t, err)
	_, err = e.ledger.Lock(ctx, ledger.LockRequest{
		UserID: "u1", Asset: "USDT", Amount: d("50"), TradeID: "orphan", Kind: model.LockOptions, TTL: time.Minute,
	})
	require.NoError(t, err)

	// Past both lock expiries; the order is still ACTIVE.
	e.clock.Advance(time.Hour)
	e.sched.StepSweep(ctx)

	orphan, err := e.ledger.GetLock(ctx, "orphan")
	require.NoError(t, err)
	assert.Equal(t, model.LockExpired, orphan.Status)

	live, err := e.ledger.GetLock(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.LockLocked, live.Status)
}

func TestSweepMaturesContracts(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	c, err := e.contracts.Subscribe(ctx, arbitrage.SubscribeRequest{UserID: "u1", ProductID: "arb-1d", Amount: d("1000")})
	require.NoError(t, err)

	e.clock.Advance(23 * time.Hour)
	e.sched.StepSweep(ctx)
	assert.True(t, e.balance(t).Locked.Equal(d("1000")))

	e.clock.Advance(time.Hour)
	e.sched.StepSweep(ctx)

	got, err := e.contracts.Get(ctx, c.ID, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.ContractCompleted, got.Status)
	b := e.balance(t)
	assert.True(t, b.Trading.Equal(d("10001")), "trading %s", b.Trading)
	assert.True(t, b.Locked.IsZero())
}

func TestPruneStep(t *testing.T) {
	e := newEngine(t)
	e.clock.Advance(25 * time.Hour)
	e.sched.StepPrune()
	_, ok := e.prices.Latest("BTCUSDT")
	assert.False(t, ok)
}

func TestRunConsumesSubmittedTicks(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.sched.Run(ctx) }()

	ts := e.clock.Now().Add(5 * time.Second)
	require.NoError(t, e.sched.Submit(ctx, model.PriceSample{Instrument: "ETHUSDT", Timestamp: ts, Price: d("3000")}))
	require.Eventually(t, func() bool {
		s, ok := e.prices.Latest("ETHUSDT")
		return ok && s.Price.Equal(d("3000"))
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestAllLive(t *testing.T) {
	yes := func(context.Context, model.TradeLock) (bool, error) { return true, nil }
	no := func(context.Context, model.TradeLock) (bool, error) { return false, nil }

	ok, err := AllLive(yes, yes)(context.Background(), model.TradeLock{})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = AllLive(yes, no)(context.Background(), model.TradeLock{})
	require.NoError(t, err)
	assert.False(t, ok)
}
