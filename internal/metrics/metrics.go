// Package metrics provides Prometheus instrumentation for the payment engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paylock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow state transitions by target status.
	EscrowTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "escrow_transitions_total",
			Help:      "Total escrow state transitions by target status.",
		},
		[]string{"status"},
	)

	// PayoutsTotal counts payout dispatches by normalized gateway status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "payouts_total",
			Help:      "Total payout dispatches by normalized gateway status.",
		},
		[]string{"provider", "status"},
	)

	// WebhookEventsTotal counts inbound webhook events by provider and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "webhook_events_total",
			Help:      "Total inbound webhook events by provider and result.",
		},
		[]string{"provider", "result"},
	)

	// ManualReconciliationFlags counts milestones flagged for manual reconciliation.
	ManualReconciliationFlags = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "paylock",
			Name:      "manual_reconciliation_flags_total",
			Help:      "Milestones flagged for manual reconciliation after retry exhaustion.",
		},
	)

	// ActiveWebSocketClients tracks currently connected event stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paylock",
			Name:      "websocket_clients_active",
			Help:      "Currently connected event stream clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		PayoutsTotal,
		WebhookEventsTotal,
		ManualReconciliationFlags,
		ActiveWebSocketClients,
	)
}

// Middleware records request counts and latencies per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler wrapped for gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
