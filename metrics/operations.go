package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OperationStatus is the outcome of a node operation.
type OperationStatus string

const (
	OperationStatusDone         OperationStatus = "done"
	OperationStatusRejected     OperationStatus = "rejected" // Node reported its operation limit was reached.
	OperationStatusInaccessible OperationStatus = "inaccessible"
	OperationStatusError        OperationStatus = "error"
	OperationStatusDropped      OperationStatus = "dropped" // Follow subscription ended before completion.
)

// OperationMetrics instruments operations (body, call, storage) and
// cache reads of the backend.
type OperationMetrics struct {
	operations *prometheus.CounterVec
	latencies  *prometheus.HistogramVec
	cacheReads *prometheus.CounterVec
}

type CacheReadStatus string

const (
	CacheReadStatusHit      CacheReadStatus = "hit"
	CacheReadStatusMiss     CacheReadStatus = "miss"
	CacheReadStatusBadValue CacheReadStatus = "bad_value" // Value in cache was not valid (likely because of mismatched types / CBOR encoding).
	CacheReadStatusError    CacheReadStatus = "error"     // Other internal error reading from cache.
)

// NewDefaultOperationMetrics creates Prometheus metric instrumentation for
// node operations.
func NewDefaultOperationMetrics() *OperationMetrics {
	m := &OperationMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhead_operations",
				Help: "How many node operations were started, partitioned by operation and status.",
			},
			[]string{"operation", "status"}, // Labels.
		),
		latencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "chainhead_operation_latencies",
				Help: "How long node operations take from start to terminal event, partitioned by operation.",
			},
			[]string{"operation"}, // Labels.
		),
		cacheReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chainhead_cache_reads",
				Help: "How many response cache reads occur, partitioned by status (hit, miss, bad_value, error).",
			},
			[]string{"status"}, // Labels.
		),
	}
	m.operations = registerOnce(m.operations)
	m.latencies = registerOnce(m.latencies)
	m.cacheReads = registerOnce(m.cacheReads)
	return m
}

// Operation counts one finished operation.
func (m *OperationMetrics) Operation(operation string, status OperationStatus) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, string(status)).Inc()
}

// OperationTimer returns a new latency timer for the provided operation.
// Returns nil if m is nil; ObserveDuration must then be skipped.
func (m *OperationMetrics) OperationTimer(operation string) *prometheus.Timer {
	if m == nil {
		return nil
	}
	return prometheus.NewTimer(m.latencies.WithLabelValues(operation))
}

// CacheRead counts one cache read.
func (m *OperationMetrics) CacheRead(status CacheReadStatus) {
	if m == nil {
		return
	}
	m.cacheReads.WithLabelValues(string(status)).Inc()
}
