// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// CashMovements counts committed cash ledger entries by kind.
	CashMovements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_cash_movements_total",
		Help: "Committed cash ledger entries",
	}, []string{"kind"})

	// PositionEvents counts position lifecycle operations (open, deposit,
	// withdraw, close, profit).
	PositionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_position_events_total",
		Help: "Committed position operations",
	}, []string{"op"})

	// OperationLatency tracks service operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_operation_latency_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// VersionConflicts counts optimistic-concurrency retries.
	VersionConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_version_conflicts_total",
		Help: "Conditional writes that lost a race and were retried",
	}, []string{"op"})

	// Distributions counts profit events by tier.
	Distributions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_distributions_total",
		Help: "Profit distribution events processed",
	}, []string{"risk_tier"})

	// DistributionOutcomes counts per-position results of distributions.
	DistributionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_distribution_positions_total",
		Help: "Per-position distribution outcomes",
	}, []string{"risk_tier", "result"})

	// ReconcileMismatches is the number of records flagged by the last audit.
	ReconcileMismatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_reconcile_mismatches",
		Help: "Records failing invariants in the last reconciliation run",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records the latency of op started at start.
func ObserveSince(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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

// Hijack lets the WebSocket upgrader take over connections behind this
// middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
