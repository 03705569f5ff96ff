// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/watmarket/market-engine/internal/ledger"
	"github.com/watmarket/market-engine/internal/model"
	"github.com/watmarket/market-engine/internal/store"
)

var (
	// OperationsTotal counts ledger operations by name and result. Result is
	// "ok" or the ledger error kind.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watmarket_ledger_operations_total",
		Help: "Ledger operations by operation and result",
	}, []string{"op", "result"})

	// OperationLatency tracks ledger operation latency, locks and retries included.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watmarket_ledger_operation_seconds",
		Help:    "Ledger operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TradesTotal counts committed trades by side (buy/sell) and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watmarket_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "outcome"})

	// MarketVolume tracks cumulative traded currency per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watmarket_market_volume_total",
		Help: "Cumulative trade volume in currency units",
	}, []string{"market_id", "side"})

	// ActiveMarkets tracks open markets: seeded from the store at start, then
	// moved by the ledger observer.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watmarket_active_markets",
		Help: "Number of currently open markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watmarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// RateLimitRejections counts requests refused by the rate limiter.
	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watmarket_rate_limit_rejections_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"route"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "watmarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "watmarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// LedgerObserver records ledger activity. It implements ledger.Observer.
type LedgerObserver struct{}

var _ ledger.Observer = LedgerObserver{}

func (LedgerObserver) ObserveOperation(op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = ledger.KindOf(err).String()
	}
	OperationsTotal.WithLabelValues(op, result).Inc()
	OperationLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (LedgerObserver) ObserveTrade(marketID, side string, outcome model.Outcome, amount int64) {
	TradesTotal.WithLabelValues(side, string(outcome)).Inc()
	MarketVolume.WithLabelValues(marketID, side).Add(float64(amount))
}

func (LedgerObserver) ObserveMarketOpened() { ActiveMarkets.Inc() }
func (LedgerObserver) ObserveMarketClosed() { ActiveMarkets.Dec() }

// SeedActiveMarkets sets ActiveMarkets to the number of unresolved markets
// in r. Call it once at startup, before the ledger takes traffic.
func SeedActiveMarkets(ctx context.Context, r store.Reader) error {
	open := false
	markets, err := r.ListMarkets(ctx, store.MarketFilter{Resolved: &open})
	if err != nil {
		return fmt.Errorf("count open markets: %w", err)
	}
	ActiveMarkets.Set(float64(len(markets)))
	return nil
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

		// Route pattern, not raw path, to keep ids out of the labels.
		path := r.URL.Path
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

// Hijack lets WebSocket upgrades through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
