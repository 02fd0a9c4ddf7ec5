// Package metrics provides Prometheus instrumentation for the strategy vault.
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
	// --- Ledger ---

	// StrategiesCreated counts strategies added to the catalog.
	StrategiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_strategies_created_total",
		Help: "Strategies created in the catalog",
	})

	// PurchasesTotal counts recorded purchases per strategy.
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_purchases_total",
		Help: "Purchases recorded by the position ledger",
	}, []string{"strategy_id"})

	// PurchasedPrincipal accumulates net principal in whole units.
	PurchasedPrincipal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_purchased_principal_units_total",
		Help: "Net principal credited to positions, in whole units",
	}, []string{"strategy_id"})

	// ClaimsTotal counts paid claims.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_claims_total",
		Help: "Positions claimed",
	})

	// SettlementsTotal counts committed payout ratios.
	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_settlements_total",
		Help: "Strategies settled",
	})

	// LedgerRejections counts rejected ledger operations by op and error kind.
	LedgerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ledger_rejections_total",
		Help: "Ledger operations rejected, by operation and error kind",
	}, []string{"op", "kind"})

	// HedgeEvents counts hedge registry outcomes: opened, failed, overwritten, closed.
	HedgeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_hedge_events_total",
		Help: "Hedge registry events",
	}, []string{"event"})

	// MaturedUnsettled tracks strategies past maturity that are not settled yet.
	MaturedUnsettled = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_matured_unsettled_strategies",
		Help: "Strategies past maturity awaiting settlement",
	})

	// --- Notifications ---

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationsDropped counts notifications a consumer never received, by
	// consumer: ws (broadcast queue full) or feed (purchase not encodable).
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_notifications_dropped_total",
		Help: "Notifications dropped before reaching a consumer",
	}, []string{"consumer"})

	// --- Ingestion ---

	// IngestLogs counts raw logs seen by the ingestion worker by outcome:
	// processed, invalid, duplicate.
	IngestLogs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ingest_logs_total",
		Help: "Raw purchase logs handled by the ingestion worker",
	}, []string{"outcome"})

	// IngestCheckpoint is the last committed block checkpoint.
	IngestCheckpoint = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_ingest_checkpoint_block",
		Help: "Next block the ingestion worker will read",
	})

	// IngestPollErrors counts failed poll iterations.
	IngestPollErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_ingest_poll_errors_total",
		Help: "Poll iterations that failed and will be retried",
	})

	// --- Execution ---

	// VenueCalls counts venue submissions by venue and outcome.
	VenueCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_venue_calls_total",
		Help: "External venue calls by venue and outcome",
	}, []string{"venue", "outcome"})

	// VenueLatency tracks venue call latency.
	VenueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_venue_call_seconds",
		Help:    "External venue call latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	// ExecutionReports counts aggregate execution statuses.
	ExecutionReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_execution_reports_total",
		Help: "Execution reports by aggregate status",
	}, []string{"status"})

	// VenueInFlight tracks venue calls currently holding a dispatch slot.
	VenueInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_venue_calls_in_flight",
		Help: "Venue calls currently in flight",
	})

	// --- HTTP ---

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
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

		// Route pattern keeps label cardinality bounded; raw paths never
		// become label values.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

// Hijack is required for websocket upgrades behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
