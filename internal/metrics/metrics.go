// Package metrics provides Prometheus instrumentation for the trade engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts option orders accepted, partitioned by direction.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_option_orders_created_total",
		Help: "Total number of option orders created",
	}, []string{"direction"})

	// OrdersCancelled counts SCHEDULED orders and scheduled trades cancelled.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_option_orders_cancelled_total",
		Help: "Total number of option orders cancelled",
	}, []string{"kind"})

	// Settlements counts completed settlements by outcome.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_settlements_total",
		Help: "Total number of option settlements",
	}, []string{"outcome"})

	// SettlementRetries counts retried settlement attempts.
	SettlementRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_settlement_retries_total",
		Help: "Settlement attempts retried after a transient failure",
	})

	// SettlementEscalations counts settlements that exhausted their retries.
	SettlementEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_settlement_escalations_total",
		Help: "Settlements that exhausted retries and were left for the next tick",
	})

	// SettlementLatency tracks end-to-end settlement time.
	SettlementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "atmx_settlement_latency_seconds",
		Help:    "Settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ScheduledPromotions counts scheduled trades processed, by result.
	ScheduledPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_scheduled_promotions_total",
		Help: "Scheduled trades promoted to orders, by result",
	}, []string{"result"})

	// LocksActive tracks trade locks currently holding funds.
	LocksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_trade_locks_active",
		Help: "Number of trade locks currently holding funds",
	})

	// LocksExpired counts locks returned by the expiry sweep.
	LocksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_trade_locks_expired_total",
		Help: "Stale trade locks returned to the trading wallet",
	})

	// PositionsOpened counts futures positions opened, by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_positions_opened_total",
		Help: "Total futures positions opened",
	}, []string{"side"})

	// PositionsClosed counts futures positions closed, by reason.
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_positions_closed_total",
		Help: "Total futures positions closed",
	}, []string{"reason"})

	// ArbitrageContracts counts arbitrage contract transitions, by status.
	ArbitrageContracts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_arbitrage_contracts_total",
		Help: "Arbitrage contracts opened and closed, by status",
	}, []string{"status"})

	// PriceFallbacks counts settlement price lookups by the level that
	// answered: exact, latest or entry.
	PriceFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_settlement_price_source_total",
		Help: "Settlement close-price lookups by fallback level",
	}, []string{"level"})

	// LimitRejections counts orders rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atmx_exposure_limit_rejections_total",
		Help: "Orders rejected by the open-exposure limiter",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atmx_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps the path label low-cardinality.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
