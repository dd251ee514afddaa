// Package metrics provides Prometheus instrumentation for the paper engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FillsTotal counts simulated fills, partitioned by side and exchange.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_fills_total",
		Help: "Total number of simulated fills",
	}, []string{"side", "exchange"})

	// OrderRejections counts rejected orders by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_order_rejections_total",
		Help: "Simulated orders rejected, by reason",
	}, []string{"reason"})

	// SimulationLatency tracks simulate() duration including the ledger commit.
	SimulationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_simulation_latency_seconds",
		Help:    "Order simulation latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"side"})

	// FeesTotal accumulates simulated fees in the settlement currency.
	FeesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_fees_total",
		Help: "Cumulative simulated fees",
	}, []string{"exchange"})

	// SlippagePercent observes the slippage percent of market fills.
	SlippagePercent = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paper_slippage_percent",
		Help:    "Slippage percent applied to market fills",
		Buckets: []float64{0, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// InvariantViolations counts ledger invariant violations. Any non-zero
	// value is a bug.
	InvariantViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paper_ledger_invariant_violations_total",
		Help: "Ledger invariant violations detected",
	})

	// ActiveGrids tracks the number of grids in ACTIVE state.
	ActiveGrids = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_active_grids",
		Help: "Number of currently active grids",
	})

	// GridLevelFills counts grid levels filled, by side.
	GridLevelFills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_grid_level_fills_total",
		Help: "Grid levels filled",
	}, []string{"side"})

	// GridLevelSkips counts crossed levels left unfilled, by reason.
	GridLevelSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_grid_level_skips_total",
		Help: "Crossed grid levels that could not be filled",
	}, []string{"reason"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "paper_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paper_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paper_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
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
