// Package metrics exposes the store's Prometheus collectors.
// Grounded on cuemby-warren's pkg/metrics: package-level prometheus
// vars registered once from an init function and served over an HTTP
// handler, rather than threaded through every call as an interface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_batches_total",
			Help: "Total number of batch/transaction bundles processed, by bundle type and outcome",
		},
		[]string{"bundle_type", "outcome"},
	)

	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_batch_duration_seconds",
			Help:    "Time to process a batch/transaction bundle end to end",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"bundle_type"},
	)

	EntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_entries_total",
			Help: "Total number of bundle entries processed, by resource type and HTTP method",
		},
		[]string{"resource_type", "method"},
	)

	CASConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fhirstore_cas_conflicts_total",
			Help: "Total number of compare-and-swap guard failures, by resource type",
		},
		[]string{"resource_type"},
	)

	WriteQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fhirstore_write_queue_depth",
			Help: "Current number of batches waiting for a worker pool slot",
		},
	)

	WorkerPoolRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_worker_pool_rejections_total",
			Help: "Total number of batches rejected because the bounded worker pool queue was full",
		},
	)

	CheckpointDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fhirstore_checkpoint_duration_seconds",
			Help:    "Time to write a compressed B+Tree checkpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"table"},
	)

	RecoveryEntriesReplayedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_recovery_entries_replayed_total",
			Help: "Total number of WAL entries replayed during the last startup recovery",
		},
	)

	WorkerPoolTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fhirstore_worker_pool_timeouts_total",
			Help: "Total number of batches that did not complete within the worker pool's write deadline",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BatchesTotal,
		BatchDuration,
		EntriesTotal,
		CASConflictsTotal,
		WriteQueueDepth,
		WorkerPoolRejectionsTotal,
		WorkerPoolTimeoutsTotal,
		CheckpointDuration,
		RecoveryEntriesReplayedTotal,
	)
}

// Handler serves the registered collectors for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
