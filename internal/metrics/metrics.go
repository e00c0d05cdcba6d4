// Package metrics provides Prometheus instrumentation for the challenge engine.
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
	// TradesTotal counts trade attempts by type and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_trades_total",
		Help: "Trade executions by type and outcome",
	}, []string{"type", "outcome"})

	// TradeLatency tracks end-to-end trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challenge_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// TradeSlippage observes executed-vs-best price slippage.
	TradeSlippage = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "challenge_trade_slippage",
		Help:    "Absolute slippage between executed and best price",
		Buckets: []float64{0, 0.005, 0.01, 0.02, 0.03, 0.04, 0.06},
	})

	// BalanceMutations counts successful balance mutations by operation and source.
	BalanceMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_balance_mutations_total",
		Help: "Applied balance mutations",
	}, []string{"operation", "source"})

	// BalanceBlocked counts mutations rejected because they would drive the
	// balance negative.
	BalanceBlocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "challenge_balance_blocked_total",
		Help: "Balance mutations blocked by the negative-balance guard",
	})

	// BalanceAnomalies counts soft anomalies by kind.
	BalanceAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_balance_anomalies_total",
		Help: "Balance anomalies raised (non-blocking)",
	}, []string{"kind"})

	// LedgerWriteFailures counts forensic ledger inserts that failed.
	LedgerWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "challenge_ledger_write_failures_total",
		Help: "Forensic balance ledger writes that failed",
	})

	// IdempotencyOutcomes counts guard decisions.
	IdempotencyOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_idempotency_outcomes_total",
		Help: "Idempotency guard outcomes",
	}, []string{"outcome"})

	// ResolutionChecks counts resolution decisions by source.
	ResolutionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_resolution_checks_total",
		Help: "Resolution checks by deciding source",
	}, []string{"source", "resolved"})

	// PayoutTransitions counts payout state changes by target status.
	PayoutTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_payout_transitions_total",
		Help: "Payout state transitions",
	}, []string{"to"})

	// WebhookEvents counts payment webhook outcomes.
	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_webhook_events_total",
		Help: "Payment webhook outcomes",
	}, []string{"outcome"})

	// SettledPositions counts positions closed by the settlement sweeper.
	SettledPositions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_settled_positions_total",
		Help: "Positions closed at resolution",
	}, []string{"outcome"})

	// ChallengeOutcomes counts challenges passed or failed by rule.
	ChallengeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_outcomes_total",
		Help: "Challenge terminal transitions by status and rule",
	}, []string{"status", "rule"})

	// RiskRejections counts trades rejected by exposure limits.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_risk_rejections_total",
		Help: "Trades rejected by pre-trade exposure limits",
	}, []string{"limit"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "challenge_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "challenge_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "challenge_http_request_duration_seconds",
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
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
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
