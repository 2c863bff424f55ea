// Package metrics provides Prometheus instrumentation for the trading ledger.
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
	// TradesTotal counts executed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeRejections counts orders that did not execute, by reason code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_trade_rejections_total",
		Help: "Orders rejected or failed, by reason",
	}, []string{"reason"})

	// TradeLatency covers validation, lock wait and commit.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// NotionalTotal tracks cumulative traded value per side.
	NotionalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_notional_total",
		Help: "Cumulative traded notional in account currency",
	}, []string{"side"})

	// PersistRetries counts HTTP-layer retries after a storage failure.
	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_persist_retries_total",
		Help: "Trade submissions retried after the ledger store was unavailable",
	})

	// AccountsCreated counts provisioned accounts.
	AccountsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "papertrade_accounts_created_total",
		Help: "Accounts opened",
	})

	// RankingRuns counts ranking runs by outcome.
	RankingRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_ranking_runs_total",
		Help: "Leaderboard recomputation runs",
	}, []string{"status"})

	// RankingDuration tracks a full run from snapshot to publish.
	RankingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "papertrade_ranking_duration_seconds",
		Help:    "Leaderboard recomputation duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// LeaderboardEntries is the size of the latest published batch per period.
	LeaderboardEntries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "papertrade_leaderboard_entries",
		Help: "Entries in the latest leaderboard batch",
	}, []string{"period"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "papertrade_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "papertrade_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "papertrade_http_request_duration_seconds",
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

		path := RoutePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// RoutePattern returns the matched chi route (e.g. /api/v1/portfolio/{userID})
// so user ids don't become label values. Unrouted requests collapse to "other".
func RoutePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "other"
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	return h.Hijack()
}
