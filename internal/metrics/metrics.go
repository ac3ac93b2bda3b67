// Package metrics provides Prometheus instrumentation for the risk engine.
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
	// EventsApplied counts ledger events by kind and outcome
	// (applied, replayed, skipped, error).
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_events_total",
		Help: "Ledger events processed",
	}, []string{"kind", "outcome"})

	// LedgerInconsistencies counts clamped withdrawals and transfers.
	LedgerInconsistencies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_ledger_inconsistencies_total",
		Help: "Events whose amounts exceeded the recorded balance and were clamped",
	}, []string{"kind"})

	// ExecutionsClassified counts loop executions by inferred type.
	ExecutionsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_executions_total",
		Help: "Loop executions by inferred type",
	}, []string{"type"})

	// CycleLatency tracks the duration of a full risk cycle.
	CycleLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vaultrisk_cycle_latency_seconds",
		Help:    "Risk cycle latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// CyclesSkipped counts block ticks dropped because a cycle was in flight.
	CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultrisk_cycles_skipped_total",
		Help: "Cycle ticks dropped while a previous cycle was still running",
	})

	// L1ReadFailures counts failed precompile reads by kind.
	L1ReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_l1_read_failures_total",
		Help: "Failed L1 precompile reads",
	}, []string{"read"})

	// PriceDegraded counts price reads served stale or estimated.
	PriceDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_price_degraded_total",
		Help: "Price reads served from cache or estimated",
	}, []string{"asset", "reason"})

	// UpstreamRequests counts calls through the resilient client.
	UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_upstream_requests_total",
		Help: "Upstream attempts by dependency and outcome",
	}, []string{"dependency", "outcome"})

	// HealthFactor is the latest health factor per vault.
	HealthFactor = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaultrisk_health_factor",
		Help: "Latest computed health factor",
	}, []string{"vault"})

	// LeverageRatio is the latest leverage per vault.
	LeverageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaultrisk_leverage_ratio",
		Help: "Latest computed leverage ratio",
	}, []string{"vault"})

	// RiskScore is the latest 0-100 risk score per vault.
	RiskScore = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaultrisk_risk_score",
		Help: "Latest computed risk score",
	}, []string{"vault"})

	// AlertsRaised counts alerts created by type and severity.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_alerts_raised_total",
		Help: "Emergency alerts created",
	}, []string{"type", "severity"})

	// ActiveAlerts tracks unresolved alerts per vault.
	ActiveAlerts = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vaultrisk_active_alerts",
		Help: "Number of unresolved alerts",
	}, []string{"vault"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultrisk_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultrisk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultrisk_http_request_duration_seconds",
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

		// Route pattern keeps vault addresses out of the label set.
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
