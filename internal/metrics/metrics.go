// Package metrics provides Prometheus instrumentation for the entry service.
package metrics

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racegate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racegate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AttemptsTotal counts session attempts by final outcome.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racegate",
			Name:      "attempts_total",
			Help:      "Total session attempts by outcome (done, error, cancelled).",
		},
		[]string{"outcome"},
	)

	// PaymentsTotal counts payment executions by method and result.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racegate",
			Name:      "payments_total",
			Help:      "Total payment executions by method and result.",
		},
		[]string{"method", "result"},
	)

	// PaymentDuration observes end-to-end payment latency by method.
	PaymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "racegate",
			Name:      "payment_duration_seconds",
			Help:      "Time from payment start to ticket issuance in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"method"},
	)

	// TicketsIssuedTotal counts issued entry tickets by currency.
	TicketsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "racegate",
			Name:      "tickets_issued_total",
			Help:      "Total entry tickets issued by currency.",
		},
		[]string{"currency"},
	)

	// UnticketedPaymentsTotal counts payments that finalized without a ticket.
	UnticketedPaymentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "racegate",
			Name:      "unticketed_payments_total",
			Help:      "Total finalized payments whose ticket issuance failed.",
		},
	)

	// UnresolvedReconciliations tracks open reconciliation records.
	UnresolvedReconciliations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "racegate",
			Name:      "unresolved_reconciliations",
			Help:      "Number of paid-but-unticketed records awaiting review.",
		},
	)

	// ActiveWebSocketClients tracks connected phase-feed clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "racegate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AttemptsTotal,
		PaymentsTotal,
		PaymentDuration,
		TicketsIssuedTotal,
		UnticketedPaymentsTotal,
		UnresolvedReconciliations,
		ActiveWebSocketClients,
	)
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
