package compression

import (
	"context"
	"fmt"
	"time"
)

// Maintenance implements the two periodic entry points from spec.md §4.D:
// cleanup_stale_documents and reset_stuck_jobs. Both run on the worker's
// maintenance cadence (spec.md §4.E).
type Maintenance struct {
	queue *Queue
	cfg   maintenanceConfig
	clock func() time.Time
}

// maintenanceConfig is the subset of config.CompressionConfig the
// maintenance routines need, kept narrow so tests can construct it without
// the full config package.
type maintenanceConfig struct {
	StaleProcessingTimeout      time.Duration
	FailedTerminalAfter         time.Duration
	QueueStuckProcessingTimeout time.Duration
	QueueFailedRetryWindow      time.Duration
	QueueFailedPurgeAfter       time.Duration
}

// NewMaintenance builds a Maintenance routine bound to queue's database.
func NewMaintenance(queue *Queue, staleProcessingTimeout, failedTerminalAfter, queueStuckProcessingTimeout, queueFailedRetryWindow, queueFailedPurgeAfter time.Duration, clock func() time.Time) *Maintenance {
	if clock == nil {
		clock = time.Now
	}
	return &Maintenance{
		queue: queue,
		cfg: maintenanceConfig{
			StaleProcessingTimeout:      staleProcessingTimeout,
			FailedTerminalAfter:         failedTerminalAfter,
			QueueStuckProcessingTimeout: queueStuckProcessingTimeout,
			QueueFailedRetryWindow:      queueFailedRetryWindow,
			QueueFailedPurgeAfter:       queueFailedPurgeAfter,
		},
		clock: clock,
	}
}

// CleanupStaleDocuments runs the three document-side sweeps from
// spec.md §4.D cleanup_stale_documents, returning the total rows touched.
func (m *Maintenance) CleanupStaleDocuments(ctx context.Context) (int, error) {
	now := m.clock()
	var total int

	// (i) delete queue rows whose document no longer exists or is
	// soft-deleted.
	res, err := m.queue.db.ExecContext(ctx, `
		DELETE FROM compression_queue
		WHERE document_id NOT IN (SELECT id FROM media_documents WHERE deleted_at IS NULL)`)
	if err != nil {
		return total, fmt.Errorf("compression: cleanup_stale_documents (orphaned queue rows): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	// (ii) reset documents stuck in processing for too long.
	staleCutoff := now.Add(-m.cfg.StaleProcessingTimeout)
	res, err = m.queue.db.ExecContext(ctx, `
		UPDATE media_documents SET compression_status = 'pending', updated_at = ?
		WHERE compression_status = 'processing' AND updated_at < ? AND deleted_at IS NULL`,
		fmtTime(now), fmtTime(staleCutoff))
	if err != nil {
		return total, fmt.Errorf("compression: cleanup_stale_documents (reset processing): %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	// (iii) documents failed too long ago become terminally skipped. The
	// reason is kept in error_message for diagnosis, but has_error/error_type
	// are cleared: this is a skip, not an error (spec.md §3 treats
	// compression-status=skipped and the error flag as independent axes).
	failedCutoff := now.Add(-m.cfg.FailedTerminalAfter)
	msg := "terminal: failed for too long"
	res, err = m.queue.db.ExecContext(ctx, `
		UPDATE media_documents SET compression_status = 'skipped', has_error = 0, error_type = NULL, error_message = ?, updated_at = ?
		WHERE compression_status = 'failed' AND updated_at < ? AND deleted_at IS NULL`,
		msg, fmtTime(now), fmtTime(failedCutoff))
	if err != nil {
		return total, fmt.Errorf("compression: cleanup_stale_documents (terminal failed): %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	return total, nil
}

// resetStuckJobsAttemptThreshold is the attempts count at which a
// stuck-processing row is given a clean slate instead of keeping its
// attempt count (spec.md §4.D reset_stuck_jobs (i)).
const resetStuckJobsAttemptThreshold = 3

// ResetStuckJobs runs the three queue-side sweeps from spec.md §4.D
// reset_stuck_jobs, returning the total rows touched.
func (m *Maintenance) ResetStuckJobs(ctx context.Context) (int, error) {
	now := m.clock()
	var total int

	// (i) reset queue rows stuck in processing, zeroing attempts if
	// attempts >= 3.
	stuckCutoff := now.Add(-m.cfg.QueueStuckProcessingTimeout)
	res, err := m.queue.db.ExecContext(ctx, `
		UPDATE compression_queue
		SET status = 'pending', updated_at = ?,
		    attempts = CASE WHEN attempts >= ? THEN 0 ELSE attempts END
		WHERE status = 'processing' AND updated_at < ?`,
		fmtTime(now), resetStuckJobsAttemptThreshold, fmtTime(stuckCutoff))
	if err != nil {
		return total, fmt.Errorf("compression: reset_stuck_jobs (stuck processing): %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	// (ii) give recently-failed rows another chance. The document's error
	// state is cleared first, while the queue row still reads 'failed', so
	// compress_document's eligibility check (spec.md §4.D step 2) does not
	// immediately reject the retried document the way it did before this
	// fix: has_error, once set by a failed attempt, was never cleared
	// anywhere else, which made every reset_stuck_jobs retry permanently
	// dead on arrival.
	retryCutoff := now.Add(-m.cfg.QueueFailedRetryWindow)
	if _, err := m.queue.db.ExecContext(ctx, `
		UPDATE media_documents SET has_error = 0, error_type = NULL, error_message = NULL, updated_at = ?
		WHERE id IN (SELECT document_id FROM compression_queue WHERE status = 'failed' AND updated_at >= ?)`,
		fmtTime(now), fmtTime(retryCutoff)); err != nil {
		return total, fmt.Errorf("compression: reset_stuck_jobs (clear document errors): %w", err)
	}
	res, err = m.queue.db.ExecContext(ctx, `
		UPDATE compression_queue SET status = 'pending', attempts = 0, error_message = NULL, updated_at = ?
		WHERE status = 'failed' AND updated_at >= ?`,
		fmtTime(now), fmtTime(retryCutoff))
	if err != nil {
		return total, fmt.Errorf("compression: reset_stuck_jobs (retry recent failed): %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	// (iii) purge failed rows old enough to give up on entirely.
	purgeCutoff := now.Add(-m.cfg.QueueFailedPurgeAfter)
	res, err = m.queue.db.ExecContext(ctx, `
		DELETE FROM compression_queue WHERE status = 'failed' AND updated_at < ?`,
		fmtTime(purgeCutoff))
	if err != nil {
		return total, fmt.Errorf("compression: reset_stuck_jobs (purge old failed): %w", err)
	}
	n, err = res.RowsAffected()
	if err != nil {
		return total, err
	}
	total += int(n)

	return total, nil
}
