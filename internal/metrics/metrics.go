// Package metrics is the ambient Prometheus registry (spec.md's ambient
// stack): gauges and counters for compression queue depth, compression
// ratio, worker effective concurrency, and sync batch counts. Grounded on
// cuemby-warren's pkg/metrics package, adapted from package-level globals
// registered against the default registry into a constructor-built
// *Registry wrapping its own prometheus.Registry — this is a library meant
// to be embedded into a host application, possibly more than once in
// tests, and a package-level init() registering to prometheus.DefaultRegisterer
// would panic on the second construction.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric this module exports, namespaced under
// "fieldcore_".
type Registry struct {
	registry *prometheus.Registry

	CompressionQueueDepth   *prometheus.GaugeVec
	CompressionRatio        prometheus.Histogram
	BytesSaved              prometheus.Counter
	FilesCompressed         prometheus.Counter
	FilesSkipped            prometheus.Counter
	FilesFailed             prometheus.Counter
	CompressionJobDuration  prometheus.Histogram

	WorkerActiveJobs   prometheus.Gauge
	WorkerMaxJobs      prometheus.Gauge
	WorkerEffectiveMax prometheus.Gauge
	WorkerPaused       prometheus.Gauge

	SyncBatchesTotal    *prometheus.CounterVec
	SyncConflictsTotal  prometheus.Counter
	SyncBytesTransferred *prometheus.CounterVec
	SyncBatchDuration   *prometheus.HistogramVec

	DeletionQueueDepth prometheus.Gauge
	DeletionsTotal     *prometheus.CounterVec
}

// New builds a Registry with its own prometheus.Registry, safe to
// construct more than once (e.g. one per test, or one per embedded
// instance of this module within a larger process).
func New() *Registry {
	r := prometheus.NewRegistry()

	reg := &Registry{
		registry: r,

		CompressionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldcore_compression_queue_depth",
			Help: "Number of documents in the compression queue by status",
		}, []string{"status"}),

		CompressionRatio: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldcore_compression_ratio",
			Help:    "Ratio of compressed size to original size per document",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),

		BytesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_compression_bytes_saved_total",
			Help: "Total bytes saved by compression",
		}),

		FilesCompressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_compression_files_completed_total",
			Help: "Total documents successfully compressed",
		}),

		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_compression_files_skipped_total",
			Help: "Total documents skipped by compression (already optimal, unsupported type)",
		}),

		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_compression_files_failed_total",
			Help: "Total documents that failed compression",
		}),

		CompressionJobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fieldcore_compression_job_duration_seconds",
			Help:    "Time taken to compress a single document",
			Buckets: prometheus.DefBuckets,
		}),

		WorkerActiveJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_worker_active_jobs",
			Help: "Number of compression jobs currently running",
		}),

		WorkerMaxJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_worker_max_jobs",
			Help: "Configured maximum concurrency before thermal/battery throttling",
		}),

		WorkerEffectiveMax: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_worker_effective_max_jobs",
			Help: "Current effective concurrency after thermal/battery/background throttling",
		}),

		WorkerPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_worker_paused",
			Help: "Whether the dispatcher is currently paused (1) or running (0)",
		}),

		SyncBatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcore_sync_batches_total",
			Help: "Total sync batches by direction and outcome",
		}, []string{"direction", "status"}),

		SyncConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldcore_sync_conflicts_total",
			Help: "Total field-level conflicts resolved during pull",
		}),

		SyncBytesTransferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcore_sync_bytes_transferred_total",
			Help: "Total blob bytes transferred by direction",
		}, []string{"direction"}),

		SyncBatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fieldcore_sync_batch_duration_seconds",
			Help:    "Time taken to complete a sync batch",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),

		DeletionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fieldcore_deletion_queue_depth",
			Help: "Number of files awaiting removal after their grace period",
		}),

		DeletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldcore_deletions_total",
			Help: "Total files removed by the deferred deletion worker by outcome",
		}, []string{"outcome"}),
	}

	r.MustRegister(
		reg.CompressionQueueDepth, reg.CompressionRatio, reg.BytesSaved,
		reg.FilesCompressed, reg.FilesSkipped, reg.FilesFailed, reg.CompressionJobDuration,
		reg.WorkerActiveJobs, reg.WorkerMaxJobs, reg.WorkerEffectiveMax, reg.WorkerPaused,
		reg.SyncBatchesTotal, reg.SyncConflictsTotal, reg.SyncBytesTransferred, reg.SyncBatchDuration,
		reg.DeletionQueueDepth, reg.DeletionsTotal,
	)

	return reg
}

// Handler returns the Prometheus scrape endpoint for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RecordCompressionOutcome updates the compression counters/histograms
// after a single document finishes processing (spec.md §4.C).
func (r *Registry) RecordCompressionOutcome(originalBytes, compressedBytes int64, duration time.Duration) {
	r.FilesCompressed.Inc()
	if originalBytes > 0 {
		r.CompressionRatio.Observe(float64(compressedBytes) / float64(originalBytes))
		if saved := originalBytes - compressedBytes; saved > 0 {
			r.BytesSaved.Add(float64(saved))
		}
	}
	r.CompressionJobDuration.Observe(duration.Seconds())
}

// RecordCompressionSkipped and RecordCompressionFailed record the two
// non-success terminal outcomes the queue tracks separately.
func (r *Registry) RecordCompressionSkipped() { r.FilesSkipped.Inc() }
func (r *Registry) RecordCompressionFailed()  { r.FilesFailed.Inc() }

// SetQueueDepth reports a fresh snapshot of compression queue depth by
// status, replacing the entire vector's state rather than leaving stale
// labels behind from a status that has since emptied out.
func (r *Registry) SetQueueDepth(pending, processing, completed, skipped, failed int64) {
	r.CompressionQueueDepth.Reset()
	r.CompressionQueueDepth.WithLabelValues("pending").Set(float64(pending))
	r.CompressionQueueDepth.WithLabelValues("processing").Set(float64(processing))
	r.CompressionQueueDepth.WithLabelValues("completed").Set(float64(completed))
	r.CompressionQueueDepth.WithLabelValues("skipped").Set(float64(skipped))
	r.CompressionQueueDepth.WithLabelValues("failed").Set(float64(failed))
}

// SetWorkerStatus reports the dispatcher's current concurrency state.
func (r *Registry) SetWorkerStatus(active, max, effectiveMax int, paused bool) {
	r.WorkerActiveJobs.Set(float64(active))
	r.WorkerMaxJobs.Set(float64(max))
	r.WorkerEffectiveMax.Set(float64(effectiveMax))
	if paused {
		r.WorkerPaused.Set(1)
	} else {
		r.WorkerPaused.Set(0)
	}
}

// RecordSyncBatch records one completed push or pull cycle.
func (r *Registry) RecordSyncBatch(direction, status string, duration time.Duration) {
	r.SyncBatchesTotal.WithLabelValues(direction, status).Inc()
	r.SyncBatchDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordSyncConflicts adds n field-level conflicts resolved during a pull.
func (r *Registry) RecordSyncConflicts(n int) {
	if n > 0 {
		r.SyncConflictsTotal.Add(float64(n))
	}
}

// RecordBlobTransfer adds bytes transferred in the given direction
// ("upload" or "download").
func (r *Registry) RecordBlobTransfer(direction string, bytes int64) {
	if bytes > 0 {
		r.SyncBytesTransferred.WithLabelValues(direction).Add(float64(bytes))
	}
}

// SetDeletionQueueDepth reports the current count of pending deletion
// queue entries.
func (r *Registry) SetDeletionQueueDepth(n int) {
	r.DeletionQueueDepth.Set(float64(n))
}

// RecordDeletionOutcome counts one processed deletion queue entry by
// outcome: "completed", "skipped_active", or "failed".
func (r *Registry) RecordDeletionOutcome(outcome string) {
	r.DeletionsTotal.WithLabelValues(outcome).Inc()
}
