// Package observability provides Prometheus metrics, health checks and the
// HTTP server that exposes them for session store deployments.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Session store metrics
	storeOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convokit_store_operations_total",
			Help: "Total number of session store operations",
		},
		[]string{"backend", "op", "status"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convokit_store_operation_duration_seconds",
			Help:    "Session store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convokit_events_appended_total",
			Help: "Total number of events appended to sessions",
		},
		[]string{"backend"},
	)

	sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convokit_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"backend"},
	)

	initOnce sync.Once
)

// InitMetrics registers the Prometheus metrics. Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			storeOpsTotal,
			storeOpDuration,
			eventsAppendedTotal,
			sessionsCreatedTotal,
		)
	})
}

// RecordStoreOp records one store operation outcome.
func RecordStoreOp(backend, op, status string, duration time.Duration) {
	storeOpsTotal.WithLabelValues(backend, op, status).Inc()
	storeOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// RecordEventAppended counts a successfully appended event.
func RecordEventAppended(backend string) {
	eventsAppendedTotal.WithLabelValues(backend).Inc()
}

// RecordSessionCreated counts a successfully created session.
func RecordSessionCreated(backend string) {
	sessionsCreatedTotal.WithLabelValues(backend).Inc()
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
