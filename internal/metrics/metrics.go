// Package metrics provides Prometheus instrumentation for the rebalancer.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RunsTotal counts rebalance runs by outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_rebalance_runs_total",
		Help: "Total rebalance runs",
	}, []string{"outcome"})

	// RunDuration tracks end-to-end run duration.
	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qms_rebalance_run_duration_seconds",
		Help:    "Rebalance run duration in seconds",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	// LegsExecuted counts executed trade legs by action.
	LegsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_trade_legs_executed_total",
		Help: "Trade legs submitted to the broker",
	}, []string{"action", "portfolio"})

	// LegsSkipped counts plan legs that did not execute.
	LegsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_trade_legs_skipped_total",
		Help: "Plan legs skipped with a reason",
	}, []string{"action", "portfolio"})

	// ExternalSalesDetected counts external sales found by reconciliation.
	ExternalSalesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_external_sales_detected_total",
		Help: "Sales detected outside the engine",
	}, []string{"portfolio"})

	// TradeMatchMisses counts trade-history records that failed to match.
	TradeMatchMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_trade_match_misses_total",
		Help: "Trade-history matching misses by kind",
	}, []string{"kind"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qms_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qms_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qms_http_request_duration_seconds",
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
