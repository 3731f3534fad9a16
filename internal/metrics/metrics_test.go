package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/metrics"
)

func TestNewRegistryConstructsTwiceWithoutPanic(t *testing.T) {
	require.NotPanics(t, func() {
		metrics.New()
		metrics.New()
	})
}

func TestRecordCompressionOutcomeUpdatesCounters(t *testing.T) {
	r := metrics.New()

	before := testutil.ToFloat64(r.FilesCompressed)
	r.RecordCompressionOutcome(1000, 400, 50*time.Millisecond)
	after := testutil.ToFloat64(r.FilesCompressed)

	assert.Equal(t, before+1, after)
	assert.Equal(t, float64(600), testutil.ToFloat64(r.BytesSaved))
}

func TestRecordCompressionOutcomeSkipsRatioOnZeroOriginal(t *testing.T) {
	r := metrics.New()
	// Zero-byte originals must not divide-by-zero into the histogram.
	r.RecordCompressionOutcome(0, 0, time.Millisecond)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.BytesSaved))
}

func TestSetQueueDepthReplacesStaleLabels(t *testing.T) {
	r := metrics.New()

	r.SetQueueDepth(5, 2, 10, 1, 0)
	assert.Equal(t, float64(5), testutil.ToFloat64(r.CompressionQueueDepth.WithLabelValues("pending")))
	assert.Equal(t, float64(10), testutil.ToFloat64(r.CompressionQueueDepth.WithLabelValues("completed")))

	r.SetQueueDepth(0, 0, 10, 1, 0)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.CompressionQueueDepth.WithLabelValues("pending")))
}

func TestSetWorkerStatusReportsPausedFlag(t *testing.T) {
	r := metrics.New()

	r.SetWorkerStatus(2, 4, 4, false)
	assert.Equal(t, float64(0), testutil.ToFloat64(r.WorkerPaused))

	r.SetWorkerStatus(0, 4, 0, true)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.WorkerPaused))
	assert.Equal(t, float64(0), testutil.ToFloat64(r.WorkerEffectiveMax))
}

func TestRecordSyncBatchAndConflicts(t *testing.T) {
	r := metrics.New()

	r.RecordSyncBatch("push", "completed", 200*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(r.SyncBatchesTotal.WithLabelValues("push", "completed")))

	r.RecordSyncConflicts(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(r.SyncConflictsTotal))

	r.RecordBlobTransfer("upload", 2048)
	assert.Equal(t, float64(2048), testutil.ToFloat64(r.SyncBytesTransferred.WithLabelValues("upload")))
}

func TestRecordDeletionOutcome(t *testing.T) {
	r := metrics.New()

	r.SetDeletionQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(r.DeletionQueueDepth))

	r.RecordDeletionOutcome("completed")
	r.RecordDeletionOutcome("skipped_active")
	assert.Equal(t, float64(1), testutil.ToFloat64(r.DeletionsTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(r.DeletionsTotal.WithLabelValues("skipped_active")))
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	r := metrics.New()
	r.RecordCompressionOutcome(1000, 500, time.Millisecond)

	require.NotNil(t, r.Handler())
}
