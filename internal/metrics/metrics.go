// Package metrics provides Prometheus instrumentation for the synth engine.
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
	// TradesTotal counts pool trades executed, partitioned by direction.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_trades_total",
		Help: "Total number of pool trades executed",
	}, []string{"pool", "direction"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synth_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})

	// MintsTotal counts synthetic mints per manager.
	MintsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_mints_total",
		Help: "Total number of synthetic mints",
	}, []string{"manager"})

	// RedemptionsTotal counts synthetic redemptions per manager.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_redemptions_total",
		Help: "Total number of synthetic redemptions",
	}, []string{"manager"})

	// LiquidationsTotal counts liquidations by domain (synth or perp).
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_liquidations_total",
		Help: "Total number of executed liquidations",
	}, []string{"domain"})

	// OraclePrice exports the last resolved price per symbol.
	OraclePrice = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synth_oracle_price",
		Help: "Last resolved oracle price",
	}, []string{"symbol"})

	// TotalOutstanding tracks synthetic debt per manager.
	TotalOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "synth_total_outstanding",
		Help: "Total outstanding synthetic units",
	}, []string{"manager"})

	// ActivePools tracks the number of live pools.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synth_active_pools",
		Help: "Number of currently live pools",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "synth_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synth_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synth_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// RiskLimitRejections counts mints rejected by the exposure limiter.
	RiskLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "synth_risk_limit_rejections_total",
		Help: "Mints rejected by the exposure limiter",
	})
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
