// Package trade provides the HTTP API for options orders, futures positions,
// arbitrage contracts, wallets, prices and the administrative outcome
// controls.
//
// All monetary values use shopspring/decimal; never float64 for money.
package trade

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/trade-engine/internal/arbitrage"
	"github.com/atmx/trade-engine/internal/futures"
	"github.com/atmx/trade-engine/internal/ledger"
	"github.com/atmx/trade-engine/internal/model"
	"github.com/atmx/trade-engine/internal/options"
	"github.com/atmx/trade-engine/internal/outcome"
)

// UserHeader carries the caller's user ID. Authentication happens upstream.
const UserHeader = "X-User-ID"

// AdminHeader carries the shared admin token when one is configured.
const AdminHeader = "X-Admin-Token"

// Prices is the read side of the price cache.
type Prices interface {
	Latest(instrument string) (model.PriceSample, bool)
	History(instrument string, from, to time.Time) []model.PriceSample
}

// Sink accepts ingested ticks; the scheduler's Submit satisfies it.
type Sink interface {
	Submit(ctx context.Context, sample model.PriceSample) error
}

// Service wires the domain managers to HTTP handlers.
type Service struct {
	options    *options.Manager
	futures    *futures.Manager
	arbitrage  *arbitrage.Manager
	ledger     *ledger.Ledger
	resolver   *outcome.Resolver
	prices     Prices
	sink       Sink
	hub        *WSHub
	limiter    *RateLimiter
	adminToken string
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithHub mounts the WebSocket endpoint.
func WithHub(h *WSHub) Option { return func(s *Service) { s.hub = h } }

// WithRateLimiter throttles order and position creation per user.
func WithRateLimiter(l *RateLimiter) Option { return func(s *Service) { s.limiter = l } }

// WithAdminToken requires AdminHeader to match token on /admin routes.
func WithAdminToken(token string) Option { return func(s *Service) { s.adminToken = token } }

// WithArbitrage mounts the arbitrage contract endpoints.
func WithArbitrage(m *arbitrage.Manager) Option { return func(s *Service) { s.arbitrage = m } }

// WithSink enables POST /admin/prices/{instrument}.
func WithSink(sink Sink) Option { return func(s *Service) { s.sink = sink } }

// WithClock overrides the clock used for ingested ticks without a timestamp.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService creates a new HTTP service.
func NewService(om *options.Manager, fm *futures.Manager, l *ledger.Ledger, res *outcome.Resolver, prices Prices, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		options:  om,
		futures:  fm,
		ledger:   l,
		resolver: res,
		prices:   prices,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Routes mounts every endpoint on r, which is expected to sit at /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/prices/{instrument}", s.GetPrice)
	r.Get("/options/fluctuation-ranges/{duration}", s.FluctuationRanges)
	r.Get("/options/purchase-range/{duration}", s.PurchaseRange)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	if s.arbitrage != nil {
		r.Get("/arbitrage/products", s.ArbitrageProducts)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/options/order", s.CreateOrder)
			r.Post("/options/schedule", s.ScheduleOrder)
			r.Post("/futures/positions", s.OpenPosition)
			if s.arbitrage != nil {
				r.Post("/arbitrage/contracts", s.Subscribe)
			}
		})

		r.Delete("/options/order/{id}", s.CancelOrder)
		r.Get("/options/order/{id}", s.GetOrder)
		r.Delete("/options/schedule/{id}", s.CancelScheduled)
		r.Get("/options/active", s.ActiveOrders)
		r.Get("/options/completed", s.CompletedOrders)
		r.Get("/options/scheduled", s.ScheduledOrders)

		r.Get("/futures/positions", s.OpenPositions)
		r.Get("/futures/positions/history", s.PositionHistory)
		r.Get("/futures/summary", s.PositionSummary)
		r.Post("/futures/positions/{id}/close", s.ClosePosition)

		if s.arbitrage != nil {
			r.Get("/arbitrage/contracts", s.Contracts)
			r.Get("/arbitrage/contracts/{id}", s.GetContract)
			r.Post("/arbitrage/contracts/{id}/cancel", s.CancelContract)
			r.Get("/arbitrage/summary", s.ContractSummary)
		}

		r.Get("/wallet/balances", s.Balances)
		r.Get("/wallet/transactions", s.Transactions)
		r.Get("/wallet/locks", s.Locks)
		r.Post("/wallet/transfer", s.Transfer)

		r.Get("/trades", s.Trades)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/prices/{instrument}", s.IngestPrice)
		r.Post("/force-win", s.SetForceWin)
		r.Get("/policy", s.GetPolicy)
		r.Put("/policy/{tradeType}", s.SetPolicy)
		r.Put("/outcomes/{userID}", s.SetUserOutcome)
		r.Get("/outcomes/{userID}", s.GetUserOutcome)
		r.Post("/windows", s.CreateWindow)
		r.Get("/windows", s.ListWindows)
		r.Delete("/windows/{id}", s.DeactivateWindow)
		r.Get("/audit", s.Audit)
		r.Post("/wallet/deposit", s.Deposit)
		r.Post("/wallet/adjust", s.Adjust)
		r.Get("/wallet/verify/{userID}/{asset}", s.Verify)
		if s.arbitrage != nil {
			r.Post("/arbitrage/contracts/{id}/complete", s.CompleteContract)
		}
	})
}

type ctxKey struct{}

// RequireUser rejects requests without UserHeader and stores the user ID in
// the request context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get(UserHeader)
		if uid == "" {
			writeError(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, uid)))
	})
}

// userID returns the caller set by RequireUser.
func userID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxKey{}).(string)
	return uid
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken != "" && r.Header.Get(AdminHeader) != s.adminToken {
			writeError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actor names who made an admin change for the audit trail.
func actor(r *http.Request) string {
	if a := r.Header.Get(UserHeader); a != "" {
		return a
	}
	return "admin"
}

// --- Prices ---

// PriceResponse is the body of GET /prices/{instrument}.
type PriceResponse struct {
	Instrument string              `json:"instrument"`
	Price      decimal.Decimal     `json:"price"`
	Timestamp  time.Time           `json:"timestamp"`
	History    []model.PriceSample `json:"history,omitempty"`
}

// GetPrice handles GET /api/v1/prices/{instrument}. With ?from=&to= (RFC3339)
// the samples in that range are included.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	inst, ok := parseInstrument(w, chi.URLParam(r, "instrument"))
	if !ok {
		return
	}
	latest, found := s.prices.Latest(inst)
	if !found {
		writeError(w, "no price for "+inst, http.StatusNotFound)
		return
	}
	resp := PriceResponse{Instrument: inst, Price: latest.Price, Timestamp: latest.Timestamp}

	q := r.URL.Query()
	if q.Get("from") != "" {
		from, err := time.Parse(time.RFC3339, q.Get("from"))
		if err != nil {
			writeError(w, "from must be RFC3339", http.StatusBadRequest)
			return
		}
		to := latest.Timestamp
		if q.Get("to") != "" {
			if to, err = time.Parse(time.RFC3339, q.Get("to")); err != nil {
				writeError(w, "to must be RFC3339", http.StatusBadRequest)
				return
			}
		}
		resp.History = s.prices.History(inst, from, to)
	}
	writeJSON(w, http.StatusOK, resp)
}

// IngestRequest is the body of POST /prices/{instrument}.
type IngestRequest struct {
	Price     decimal.Decimal `json:"price"`
	Volume    decimal.Decimal `json:"volume"`
	Timestamp *time.Time      `json:"timestamp,omitempty"`
}

// IngestPrice handles POST /api/v1/admin/prices/{instrument}.
func (s *Service) IngestPrice(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeError(w, "price ingest disabled", http.StatusNotFound)
		return
	}
	inst, ok := parseInstrument(w, chi.URLParam(r, "instrument"))
	if !ok {
		return
	}
	var req IngestRequest
	if !decode(w, r, &req) {
		return
	}
	if !req.Price.IsPositive() {
		writeError(w, "price: must be positive", http.StatusBadRequest)
		return
	}
	ts := s.now()
	if req.Timestamp != nil {
		ts = req.Timestamp.UTC()
	}
	sample := model.PriceSample{Instrument: inst, Timestamp: ts, Price: req.Price, Volume: req.Volume}
	if err := s.sink.Submit(r.Context(), sample); err != nil {
		writeError(w, "price ingest unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, sample)
}
