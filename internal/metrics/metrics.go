// Package metrics provides Prometheus metrics for the storage gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upload metrics, segmented by submission kind (simple, multipart, resumable).
	uploadsStartedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_uploads_started_total",
			Help: "Total number of uploads started",
		},
		[]string{"kind"},
	)

	uploadsSucceededTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_uploads_succeeded_total",
			Help: "Total number of uploads completed successfully",
		},
		[]string{"kind"},
	)

	compensatingDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_compensating_deletes_total",
			Help: "Total compensating blob deletes issued after partial failures",
		},
		[]string{"status"},
	)

	// Backend metrics
	backendOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storage_backend_operation_duration_seconds",
			Help:    "Backend adapter operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	backendOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_backend_operations_total",
			Help: "Total backend adapter operations",
		},
		[]string{"operation", "status"},
	)

	bulkDeletesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_bulk_deletes_total",
			Help: "Total objects submitted to bulk deletion",
		},
		[]string{"status"},
	)

	// Tenant pool metrics
	poolsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "storage_tenant_pools_active",
			Help: "Number of live tenant connection pools",
		},
	)

	poolAcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_tenant_pool_acquires_total",
			Help: "Total connection acquisitions from tenant pools",
		},
		[]string{"status"},
	)

	transactionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "storage_transaction_retries_total",
			Help: "Total transaction open retries after transient connection exhaustion",
		},
	)

	// Event metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storage_events_published_total",
			Help: "Total events published to the emitter",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordUploadStarted records the start of an upload.
func RecordUploadStarted(kind string) {
	uploadsStartedTotal.WithLabelValues(kind).Inc()
}

// RecordUploadSucceeded records a successfully completed upload.
func RecordUploadSucceeded(kind string) {
	uploadsSucceededTotal.WithLabelValues(kind).Inc()
}

// RecordCompensatingDelete records a compensating delete attempt.
func RecordCompensatingDelete(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	compensatingDeletesTotal.WithLabelValues(status).Inc()
}

// RecordBackendOperation records a backend adapter operation.
func RecordBackendOperation(operation string, duration time.Duration, success bool) {
	backendOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	status := "success"
	if !success {
		status = "error"
	}
	backendOperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordBulkDelete records one object processed by bulk deletion.
func RecordBulkDelete(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	bulkDeletesTotal.WithLabelValues(status).Inc()
}

// SetPoolsActive sets the number of live tenant pools.
func SetPoolsActive(count int) {
	poolsActive.Set(float64(count))
}

// RecordPoolAcquire records a pool connection acquisition outcome.
func RecordPoolAcquire(success bool) {
	status := "success"
	if !success {
		status = "timeout"
	}
	poolAcquiresTotal.WithLabelValues(status).Inc()
}

// RecordTransactionRetry records a retried transaction open.
func RecordTransactionRetry() {
	transactionRetriesTotal.Inc()
}

// RecordEventPublished records an event publication.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}
