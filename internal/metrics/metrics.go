// Package metrics provides Prometheus instrumentation for the AMM engine.
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
	// TradesTotal counts committed trades, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trades_total",
		Help: "Total number of trades committed",
	}, []string{"kind"})

	// TradeLatency covers lock wait, solve and commit.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// TradeRejections counts trades refused before commit, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_trade_rejections_total",
		Help: "Trades rejected before commit",
	}, []string{"reason"})

	// SolverIterations tracks Newton steps per stake solve.
	SolverIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "amm_solver_iterations",
		Help:    "Newton iterations per stake solve",
		Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10, 20, 50},
	})

	// SolverFailures counts stake solves that hit the iteration cap.
	SolverFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_solver_failures_total",
		Help: "Stake solves that did not converge",
	})

	// InvariantViolations counts commits aborted because Σp drifted from 1.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_invariant_violations_total",
		Help: "Commits aborted by a probability invariant check",
	})

	// FeesCollected accumulates spread revenue in cents.
	FeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "amm_fees_collected_cents_total",
		Help: "Spread revenue collected in cents",
	})

	// MarketVolume tracks cumulative cash volume per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_market_volume_cents_total",
		Help: "Cumulative trade volume in cents",
	}, []string{"market_id"})

	// Settlements counts resolved markets and settled holdings.
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_settlements_total",
		Help: "Settlement events by type",
	}, []string{"type"})

	// StatusTransitions counts market status changes by target status.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_market_status_transitions_total",
		Help: "Market status transitions",
	}, []string{"to"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "amm_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "amm_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "amm_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// The chi route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
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

// Hijack passes through to the underlying writer so websocket upgrades work
// behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
