package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
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
	"github.com/atmx/trade-engine/internal/trade"
)

var t0 = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captureSink struct {
	mu      sync.Mutex
	samples []model.PriceSample
}

func (c *captureSink) Submit(_ context.Context, s model.PriceSample) error {
	c.mu.Lock()
	c.samples = append(c.samples, s)
	c.mu.Unlock()
	return nil
}

type testEnv struct {
	st       *store.MemoryStore
	ledger   *ledger.Ledger
	prices   *pricecache.Cache
	resolver *outcome.Resolver
	arb      *arbitrage.Manager
	sink     *captureSink
	router   chi.Router
}

// newTestEnv wires the real managers over a MemoryStore behind a chi router
// mounted at /api/v1. u1 starts with 1000 USDT in trading.
func newTestEnv(t *testing.T, opts ...trade.Option) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return t0 }

	e := &testEnv{st: store.NewMemoryStore(), prices: pricecache.New(0), sink: &captureSink{}}
	e.ledger = ledger.New(e.st, logger, ledger.WithClock(clock))
	policy := outcome.NewPolicy(e.st, outcome.DefaultSettings())
	e.resolver = outcome.NewResolver(e.st, policy, logger, outcome.WithClock(clock), outcome.WithAudit(e.st))
	engine := settlement.New(e.st, e.ledger, e.prices, e.resolver, logger, settlement.WithClock(clock))
	om := options.NewManager(e.st, e.ledger, e.prices, options.DefaultConfig(), logger,
		options.WithClock(clock), options.WithSettler(engine))
	fm := futures.NewManager(e.st, e.ledger, e.prices, futures.DefaultConfig(), logger, futures.WithClock(clock))
	e.arb = arbitrage.NewManager(e.st, e.ledger, arbitrage.DefaultConfig(), logger, arbitrage.WithClock(clock))

	all := append([]trade.Option{trade.WithSink(e.sink), trade.WithClock(clock), trade.WithArbitrage(e.arb)}, opts...)
	svc := trade.NewService(om, fm, e.ledger, e.resolver, e.prices, logger, all...)

	e.router = chi.NewRouter()
	e.router.Route("/api/v1", svc.Routes)

	_, err := e.ledger.Deposit(context.Background(), "u1", "USDT", model.BucketTrading, d("1000"), "seed")
	require.NoError(t, err)
	e.prices.Record("BTCUSDT", t0, d("50000"), decimal.Zero)
	return e
}

func (e *testEnv) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(trade.UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func orderBody(stake string) map[string]any {
	return map[string]any{
		"instrument":        "BTC-USDT",
		"direction":         "UP",
		"stake":             stake,
		"duration_seconds":  60,
		"fluctuation_range": "0.01",
	}
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[map[string]string](t, w)["error"]
}

func TestCreateOrderRequiresUser(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/options/order", "", orderBody("100"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, errorOf(t, w), trade.UserHeader)
}

func TestCreateOrderAndListActive(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/options/order", "u1", orderBody("100"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	o := decodeBody[model.Order](t, w)
	assert.Equal(t, model.OrderActive, o.Status)
	assert.True(t, o.PayoutRate.Equal(d("1.176")))

	w = e.do(t, http.MethodGet, "/api/v1/options/active", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	active := decodeBody[[]model.Order](t, w)
	require.Len(t, active, 1)
	assert.Equal(t, o.ID, active[0].ID)

	w = e.do(t, http.MethodGet, "/api/v1/wallet/balances", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	bs := decodeBody[[]model.WalletBalance](t, w)
	require.Len(t, bs, 1)
	assert.True(t, bs[0].Locked.Equal(d("100.1")), bs[0].Locked.String())

	w = e.do(t, http.MethodGet, "/api/v1/wallet/locks", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.TradeLock](t, w), 1)
}

func TestCreateOrderErrors(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name   string
		body   any
		status int
	}{
		{"zero stake", orderBody("0"), http.StatusBadRequest},
		{"bad symbol", map[string]any{"instrument": "???", "direction": "UP", "stake": "100", "duration_seconds": 60}, http.StatusBadRequest},
		{"insufficient balance", orderBody("5000"), http.StatusConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/v1/options/order", "u1", tc.body)
			assert.Equal(t, tc.status, w.Code, w.Body.String())
			assert.NotEmpty(t, errorOf(t, w))
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/options/order", bytes.NewBufferString("{not json"))
	req.Header.Set(trade.UserHeader, "u1")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelActiveOrderIsConflict(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(t, http.MethodPost, "/api/v1/options/order", "u1", orderBody("100"))
	require.Equal(t, http.StatusCreated, w.Code)
	o := decodeBody[model.Order](t, w)

	w = e.do(t, http.MethodDelete, "/api/v1/options/order/"+o.ID, "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/options/order/"+o.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRateLimitedOrderCreation(t *testing.T) {
	e := newTestEnv(t, trade.WithRateLimiter(trade.NewRateLimiter(0.001, 1)))

	w := e.do(t, http.MethodPost, "/api/v1/options/order", "u1", orderBody("100"))
	require.Equal(t, http.StatusCreated, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/options/order", "u1", orderBody("100"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Budgets are per user, and reads are not throttled.
	w = e.do(t, http.MethodPost, "/api/v1/options/order", "u2", orderBody("100"))
	assert.NotEqual(t, http.StatusTooManyRequests, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/options/active", "u1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := trade.NewRateLimiter(10, 1)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.Equal(t, 0, rl.Cleanup())
}

func TestTransfer(t *testing.T) {
	e := newTestEnv(t)
	body := map[string]any{"asset": "USDT", "from": "trading", "to": "funding", "amount": "200", "key": "t1"}

	w := e.do(t, http.MethodPost, "/api/v1/wallet/transfer", "u1", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeBody[struct {
		Applied bool                `json:"applied"`
		Balance model.WalletBalance `json:"balance"`
	}](t, w)
	assert.True(t, resp.Applied)
	assert.True(t, resp.Balance.Funding.Equal(d("200")))
	assert.True(t, resp.Balance.Trading.Equal(d("800")))

	// Same key replays without moving funds again.
	w = e.do(t, http.MethodPost, "/api/v1/wallet/transfer", "u1", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeBody[map[string]any](t, w)["applied"].(bool))

	body["to"] = "locked"
	body["key"] = "t2"
	w = e.do(t, http.MethodPost, "/api/v1/wallet/transfer", "u1", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/wallet/transactions", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.LedgerEntry](t, w), 3)
}

func TestAdminDepositAdjustVerify(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/admin/wallet/deposit", "", map[string]any{
		"user_id": "u2", "asset": "USDT", "bucket": "trading", "amount": "50",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/admin/wallet/adjust", "", map[string]any{
		"user_id": "u2", "asset": "USDT", "amount": "-10", "reason": "correction",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = e.do(t, http.MethodPost, "/api/v1/admin/wallet/adjust", "", map[string]any{
		"user_id": "u2", "asset": "USDT", "amount": "-100", "reason": "too much",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/admin/wallet/verify/u2/USDT", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rep := decodeBody[ledger.Report](t, w)
	assert.True(t, rep.OK)
	assert.True(t, rep.Stored.Trading.Equal(d("40")))
}

func TestAdminToken(t *testing.T) {
	e := newTestEnv(t, trade.WithAdminToken("secret"))

	w := e.do(t, http.MethodGet, "/api/v1/admin/policy", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/policy", nil)
	req.Header.Set(trade.AdminHeader, "secret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPriceIngestRequiresAdmin(t *testing.T) {
	e := newTestEnv(t, trade.WithAdminToken("secret"))
	body := map[string]any{"price": "1"}

	w := e.do(t, http.MethodPost, "/api/v1/admin/prices/BTC-USDT", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/admin/prices/BTC-USDT", "u1", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/prices/BTC-USDT", "", body)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Empty(t, e.sink.samples)

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/prices/BTC-USDT", &buf)
	req.Header.Set(trade.AdminHeader, "secret")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, e.sink.samples, 1)
}

func TestForceWinAndPolicy(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/admin/force-win", "ops", map[string]bool{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, e.resolver.Policy().ForceWin())

	got, dec := e.resolver.Resolve(context.Background(), "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, got)
	assert.Equal(t, outcome.SourcePolicyFixed, dec.Source)

	w = e.do(t, http.MethodPut, "/api/v1/admin/policy/futures", "ops", map[string]any{"mode": "probability", "win_probability": "0.25"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ps := decodeBody[model.PolicySettings](t, w)
	assert.Equal(t, model.PolicyProbability, ps.Mode)
	assert.Equal(t, model.TradeFutures, ps.TradeType)

	w = e.do(t, http.MethodPut, "/api/v1/admin/policy/lottery", "ops", map[string]any{"mode": "fixed", "outcome": "win"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = e.do(t, http.MethodPut, "/api/v1/admin/policy/spot", "ops", map[string]any{"mode": "probability", "win_probability": "1.5"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/admin/audit", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decodeBody[[]model.AuditEvent](t, w)
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, "ops", ev.Actor)
	}
}

func TestUserOutcomeAndWindows(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPut, "/api/v1/admin/outcomes/u1", "", map[string]any{
		"enabled": true, "outcome": "win", "types": map[string]bool{"options": true},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got, dec := e.resolver.Resolve(context.Background(), "u1", model.TradeOptions)
	assert.Equal(t, model.OutcomeWin, got)
	assert.Equal(t, outcome.SourceUserOverride, dec.Source)

	w = e.do(t, http.MethodPost, "/api/v1/admin/windows", "", map[string]any{
		"user_id": "u2", "outcome": "win",
		"start": t0.Add(-time.Minute), "end": t0.Add(time.Hour),
		"types": map[string]bool{"futures": true},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tw := decodeBody[model.TradeWindow](t, w)
	assert.True(t, tw.Active)

	w = e.do(t, http.MethodGet, "/api/v1/admin/windows?user_id=u2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.TradeWindow](t, w), 1)

	w = e.do(t, http.MethodDelete, "/api/v1/admin/windows/"+tw.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/admin/windows", "", map[string]any{
		"user_id": "u2", "outcome": "win", "start": t0, "end": t0,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPrices(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/prices/btc-usdt", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decodeBody[trade.PriceResponse](t, w)
	assert.Equal(t, "BTCUSDT", p.Instrument)
	assert.True(t, p.Price.Equal(d("50000")))

	w = e.do(t, http.MethodGet, "/api/v1/prices/ETHUSDT", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/prices/!!", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/admin/prices/ETH-USDT", "", map[string]any{"price": "3000"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	require.Len(t, e.sink.samples, 1)
	assert.Equal(t, "ETHUSDT", e.sink.samples[0].Instrument)
	assert.Equal(t, t0, e.sink.samples[0].Timestamp)

	w = e.do(t, http.MethodPost, "/api/v1/admin/prices/ETH-USDT", "", map[string]any{"price": "-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOptionTables(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/options/fluctuation-ranges/600", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "0.516")

	w = e.do(t, http.MethodGet, "/api/v1/options/fluctuation-ranges/61", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/options/purchase-range/120", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "300000")

	w = e.do(t, http.MethodGet, "/api/v1/options/purchase-range/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFuturesAndTradeHistory(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/options/order", "u1", orderBody("100"))
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/futures/positions", "u1", map[string]any{
		"pair": "BTCUSDT", "side": "buy", "size": "0.01", "leverage": "10",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decodeBody[model.Position](t, w)
	assert.True(t, p.Margin.Equal(d("50")))

	w = e.do(t, http.MethodGet, "/api/v1/futures/positions", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Position](t, w), 1)

	w = e.do(t, http.MethodGet, "/api/v1/trades", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := decodeBody[[]model.Trade](t, w)
	require.Len(t, trades, 2)
	kinds := map[model.TradeType]bool{}
	for _, tr := range trades {
		require.NoError(t, tr.Validate())
		kinds[tr.Kind] = true
	}
	assert.True(t, kinds[model.TradeOptions])
	assert.True(t, kinds[model.TradeFutures])

	w = e.do(t, http.MethodGet, "/api/v1/trades?type=futures", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Trade](t, w), 1)
	w = e.do(t, http.MethodGet, "/api/v1/trades?type=bonds", "u1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/futures/positions/"+p.ID+"/close", "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/futures/positions/"+p.ID+"/close", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PositionClosed, decodeBody[model.Position](t, w).Status)

	w = e.do(t, http.MethodPost, "/api/v1/futures/positions/"+p.ID+"/close", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/futures/positions/history", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.Position](t, w), 1)
}

func TestArbitrageContracts(t *testing.T) {
	e := newTestEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/arbitrage/products", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	products := decodeBody[[]arbitrage.Product](t, w)
	require.Len(t, products, 6)
	assert.Equal(t, "arb-1d", products[0].ID)

	w = e.do(t, http.MethodPost, "/api/v1/arbitrage/contracts", "", map[string]any{"product_id": "arb-1d", "amount": "1000"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = e.do(t, http.MethodPost, "/api/v1/arbitrage/contracts", "u1", map[string]any{"product_id": "arb-1d", "amount": "500"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/arbitrage/contracts", "u1", map[string]any{"product_id": "arb-1d", "amount": "1000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	c := decodeBody[model.ArbitrageContract](t, w)
	assert.Equal(t, "u1", c.UserID)
	assert.True(t, c.ExpectedProfit.Equal(d("1")))

	w = e.do(t, http.MethodGet, "/api/v1/arbitrage/contracts/"+c.ID, "u2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = e.do(t, http.MethodGet, "/api/v1/arbitrage/contracts?status=active", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.ArbitrageContract](t, w), 1)

	w = e.do(t, http.MethodGet, "/api/v1/trades?type=arbitrage", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	trades := decodeBody[[]model.Trade](t, w)
	require.Len(t, trades, 1)
	require.NoError(t, trades[0].Validate())
	assert.Equal(t, c.ID, trades[0].ID())

	w = e.do(t, http.MethodPost, "/api/v1/arbitrage/contracts/"+c.ID+"/cancel", "u1", map[string]any{"reason": "changed my mind"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cancelled := decodeBody[model.ArbitrageContract](t, w)
	assert.Equal(t, model.ContractCancelled, cancelled.Status)
	assert.Equal(t, "changed my mind", cancelled.CancelReason)

	w = e.do(t, http.MethodPost, "/api/v1/arbitrage/contracts/"+c.ID+"/cancel", "u1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	b, err := e.ledger.Balance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Trading.Equal(d("1000")))
	assert.True(t, b.Locked.IsZero())

	w = e.do(t, http.MethodGet, "/api/v1/arbitrage/summary", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	sum := decodeBody[arbitrage.Summary](t, w)
	assert.Equal(t, 1, sum.CancelledContracts)
}

func TestAdminCompletesContract(t *testing.T) {
	e := newTestEnv(t, trade.WithAdminToken("secret"))
	c, err := e.arb.Subscribe(context.Background(), arbitrage.SubscribeRequest{UserID: "u1", ProductID: "arb-1d", Amount: d("1000")})
	require.NoError(t, err)
	path := "/api/v1/admin/arbitrage/contracts/" + c.ID + "/complete"

	w := e.do(t, http.MethodPost, path, "u1", map[string]any{"profit": "1.5"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	admin := func(body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
		req := httptest.NewRequest(http.MethodPost, path, &buf)
		req.Header.Set(trade.AdminHeader, "secret")
		w := httptest.NewRecorder()
		e.router.ServeHTTP(w, req)
		return w
	}

	w = admin(map[string]any{"profit": "5"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "profit above twice the expected")

	w = admin(map[string]any{"profit": "1.5"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decodeBody[model.ArbitrageContract](t, w)
	assert.Equal(t, model.ContractCompleted, done.Status)
	assert.True(t, done.Profit.Equal(d("1.5")))

	b, err := e.ledger.Balance(context.Background(), "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, b.Trading.Equal(d("1001.5")))
}
