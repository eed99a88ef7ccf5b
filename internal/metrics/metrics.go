// Package metrics exposes Prometheus collectors for the knowledge base.
package metrics

import (
	"time"

	"github.com/cloo-solutions/kubekb/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusSuccess         = "success"
	StatusValidationError = "validation_error"
	StatusProviderError   = "provider_error"
	StatusError           = "error"
)

var (
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubekb_operations_total",
			Help: "Total number of knowledge base operations",
		},
		[]string{"operation", "status"},
	)

	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubekb_operation_duration_seconds",
			Help:    "Knowledge base operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
		},
		[]string{"operation"},
	)

	ChunksIngestedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubekb_chunks_ingested_total",
			Help: "Total number of chunks upserted",
		},
	)

	ChunksDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kubekb_chunks_deleted_total",
			Help: "Total number of chunks deleted",
		},
	)

	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubekb_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"provider", "status"},
	)

	EmbeddingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubekb_embedding_duration_seconds",
			Help:    "Embedding request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"provider"},
	)
)

// StatusOf classifies an operation error for the status label.
func StatusOf(err error) string {
	if err == nil {
		return StatusSuccess
	}
	switch domain.CodeOf(err) {
	case domain.ErrCodeValidation:
		return StatusValidationError
	case domain.ErrCodeProvider:
		return StatusProviderError
	default:
		return StatusError
	}
}

// ObserveOperation records the outcome and latency of an operation.
func ObserveOperation(operation string, start time.Time, err error) {
	OperationsTotal.WithLabelValues(operation, StatusOf(err)).Inc()
	OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObserveEmbedding records a single embedding request.
func ObserveEmbedding(provider string, start time.Time, err error) {
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	EmbeddingRequestsTotal.WithLabelValues(provider, status).Inc()
	EmbeddingDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
}
