// Package compression implements the Compression Queue Repository
// (spec.md §4.C) and the Compression Service (spec.md §4.D): the durable
// queue table, its global stats companion, and the orchestration pipeline
// that turns a queued document into a compressed one.
package compression

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Status is a CompressionQueueEntry's lifecycle state (spec.md §3
// CompressionQueueEntry).
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Entry is a durable queue item.
type Entry struct {
	ID           string    `db:"id"`
	DocumentID   string    `db:"document_id"`
	Priority     int       `db:"priority"`
	Attempts     int       `db:"attempts"`
	Status       Status    `db:"status"`
	ErrorMessage *string   `db:"error_message"`
	CreatedAt    timeText  `db:"created_at"`
	UpdatedAt    timeText  `db:"updated_at"`
}

// Stats is the singleton "global" aggregate row (spec.md §3
// CompressionStats).
type Stats struct {
	TotalOriginalBytes   int64
	TotalCompressedBytes int64
	TotalBytesSaved      int64
	TotalFilesCompressed int64
	TotalFilesSkipped    int64
	TotalFilesFailed     int64
	TotalFilesPending    int64
	LastCompressionAt    *time.Time
}

// QueueStatusCounts partitions queue depth by status, filtered to
// non-soft-deleted documents (spec.md §4.C get_queue_status).
type QueueStatusCounts struct {
	Pending    int64
	Processing int64
	Completed  int64
	Skipped    int64
	Failed     int64
}

// ErrNotFound is returned by operations addressing a queue row or document
// that isn't present.
var ErrNotFound = errors.New("compression: not found")

// timeText scans/serializes SQLite's TEXT RFC3339Nano timestamp columns
// directly into time.Time, letting sqlx.StructScan populate Entry without
// a separate row-then-toDomain mapping step.
type timeText time.Time

func (t *timeText) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("compression: timeText.Scan: unsupported type %T", src)
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = timeText(parsed)
	return nil
}

func (t timeText) Value() (driver.Value, error) {
	return time.Time(t).UTC().Format(time.RFC3339Nano), nil
}

// Time returns the underlying time.Time.
func (t timeText) Time() time.Time { return time.Time(t) }

// retry policy for update_status, per spec.md §4.C: 50ms * 2^n, up to 3
// attempts, on SQLITE_BUSY/database-locked errors.
const (
	updateStatusMaxAttempts = 3
	updateStatusBaseDelay   = 50 * time.Millisecond
)

// bulkUpdateChunkSize is spec.md §4.C's batching size for
// bulk_update_priority.
const bulkUpdateChunkSize = 100

// activeLeaseWindow is how recent active_file_usage.last_active_at must be
// for a document to count as in use (spec.md §3, §4.C).
const activeLeaseWindow = 5 * time.Minute

// Queue is the Compression Queue Repository (spec.md §4.C).
type Queue struct {
	db    *sqlx.DB
	clock func() time.Time
}

// NewQueue builds a Queue. clock defaults to time.Now when nil.
func NewQueue(db *sqlx.DB, clock func() time.Time) *Queue {
	if clock == nil {
		clock = time.Now
	}
	return &Queue{db: db, clock: clock}
}

// Enqueue upserts by document id: updates priority on an existing row,
// otherwise inserts with attempts=0, status=pending and bumps
// stats.total_files_pending (spec.md §4.C enqueue).
func (q *Queue) Enqueue(ctx context.Context, documentID string, priority int) (*Entry, error) {
	var entry Entry
	err := withTx(ctx, q.db, func(tx *sqlx.Tx) error {
		var existingID string
		err := tx.GetContext(ctx, &existingID, `SELECT id FROM compression_queue WHERE document_id = ?`, documentID)
		now := q.clock()

		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE compression_queue SET priority = ?, updated_at = ? WHERE id = ?`,
				priority, fmtTime(now), existingID); err != nil {
				return err
			}
			return tx.GetContext(ctx, &entry, `SELECT * FROM compression_queue WHERE id = ?`, existingID)

		case errors.Is(err, sql.ErrNoRows):
			id := uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO compression_queue (id, document_id, priority, attempts, status, created_at, updated_at)
				VALUES (?, ?, ?, 0, 'pending', ?, ?)`,
				id, documentID, priority, fmtTime(now), fmtTime(now)); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE compression_stats SET total_files_pending = total_files_pending + 1 WHERE key = 'global'`); err != nil {
				return err
			}
			return tx.GetContext(ctx, &entry, `SELECT * FROM compression_queue WHERE id = ?`, id)

		default:
			return err
		}
	})
	if err != nil {
		return nil, fmt.Errorf("compression: enqueue %s: %w", documentID, err)
	}
	return &entry, nil
}

// NextForCompression atomically selects the single best pending entry
// (highest priority, then oldest) and transitions it and its document to
// processing, skipping soft-deleted documents and documents under an
// active-usage lease (spec.md §4.C next_for_compression). Returns
// (nil, nil) when nothing is eligible.
func (q *Queue) NextForCompression(ctx context.Context) (*Entry, error) {
	var entry Entry
	found := false

	err := withTx(ctx, q.db, func(tx *sqlx.Tx) error {
		now := q.clock()
		leaseCutoff := now.Add(-activeLeaseWindow)

		err := tx.GetContext(ctx, &entry, `
			SELECT cq.* FROM compression_queue cq
			JOIN media_documents d ON d.id = cq.document_id
			LEFT JOIN active_file_usage afu ON afu.document_id = cq.document_id
			WHERE cq.status = 'pending'
			  AND d.deleted_at IS NULL
			  AND (afu.last_active_at IS NULL OR afu.last_active_at < ?)
			ORDER BY cq.priority DESC, cq.created_at ASC
			LIMIT 1`, fmtTime(leaseCutoff))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE compression_queue SET status = 'processing', attempts = attempts + 1, updated_at = ? WHERE id = ?`,
			fmtTime(now), entry.ID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE media_documents SET compression_status = 'processing', updated_at = ? WHERE id = ?`,
			fmtTime(now), entry.DocumentID); err != nil {
			return err
		}

		entry.Status = StatusProcessing
		entry.Attempts++
		found = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("compression: next_for_compression: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &entry, nil
}

// UpdateStatus writes a terminal status and optional error, retrying with
// exponential backoff on database-locked errors (spec.md §4.C: 50ms * 2^n,
// up to 3 attempts).
func (q *Queue) UpdateStatus(ctx context.Context, entryID string, status Status, errMsg *string) error {
	var lastErr error
	for attempt := 0; attempt < updateStatusMaxAttempts; attempt++ {
		_, err := q.db.ExecContext(ctx, `UPDATE compression_queue SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			string(status), errMsg, fmtTime(q.clock()), entryID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockedErr(err) {
			return fmt.Errorf("compression: update_status %s: %w", entryID, err)
		}
		time.Sleep(updateStatusBaseDelay * time.Duration(math.Pow(2, float64(attempt))))
	}
	return fmt.Errorf("compression: update_status %s exhausted retries: %w", entryID, lastErr)
}

// RequeueInUse sends an entry claimed by NextForCompression back to pending
// without counting the attempt, because the worker discovered the document
// is under an active-usage lease after the claim (spec.md §4.E "Re-queue on
// in-use": sets the entry back to pending with message "Document is in use"
// and does not count it against attempts).
func (q *Queue) RequeueInUse(ctx context.Context, entryID, documentID string) error {
	const msg = "Document is in use"
	return withTx(ctx, q.db, func(tx *sqlx.Tx) error {
		now := fmtTime(q.clock())
		if _, err := tx.ExecContext(ctx, `
			UPDATE compression_queue
			SET status = 'pending', error_message = ?, updated_at = ?,
			    attempts = MAX(0, attempts - 1)
			WHERE id = ?`, msg, now, entryID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE media_documents SET compression_status = 'pending', updated_at = ? WHERE id = ?`, now, documentID)
		return err
	})
}

// UpdatePriority updates priority on a pending row only, returning whether
// a row changed (spec.md §4.C update_priority).
func (q *Queue) UpdatePriority(ctx context.Context, documentID string, priority int) (bool, error) {
	res, err := q.db.ExecContext(ctx, `UPDATE compression_queue SET priority = ?, updated_at = ? WHERE document_id = ? AND status = 'pending'`,
		priority, fmtTime(q.clock()), documentID)
	if err != nil {
		return false, fmt.Errorf("compression: update_priority %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// BulkUpdatePriority updates priority for many document ids, batched in
// chunks of 100 (spec.md §4.C bulk_update_priority).
func (q *Queue) BulkUpdatePriority(ctx context.Context, documentIDs []string, priority int) (int64, error) {
	var affected int64
	for start := 0; start < len(documentIDs); start += bulkUpdateChunkSize {
		end := start + bulkUpdateChunkSize
		if end > len(documentIDs) {
			end = len(documentIDs)
		}
		chunk := documentIDs[start:end]

		query, args, err := sqlx.In(`UPDATE compression_queue SET priority = ?, updated_at = ? WHERE document_id IN (?) AND status = 'pending'`,
			priority, fmtTime(q.clock()), chunk)
		if err != nil {
			return affected, err
		}
		query = q.db.Rebind(query)

		res, err := q.db.ExecContext(ctx, query, args...)
		if err != nil {
			return affected, fmt.Errorf("compression: bulk_update_priority: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return affected, err
		}
		affected += n
	}
	return affected, nil
}

// Remove unconditionally deletes the queue row for documentID, reporting
// whether it existed (spec.md §4.C remove).
func (q *Queue) Remove(ctx context.Context, documentID string) (bool, error) {
	res, err := q.db.ExecContext(ctx, `DELETE FROM compression_queue WHERE document_id = ?`, documentID)
	if err != nil {
		return false, fmt.Errorf("compression: remove %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetStats returns the singleton global stats row.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	var row statsRow
	if err := q.db.GetContext(ctx, &row, `SELECT * FROM compression_stats WHERE key = 'global'`); err != nil {
		return nil, fmt.Errorf("compression: get_stats: %w", err)
	}
	return row.toDomain()
}

// GetQueueStatus partitions queue depth by status, excluding rows whose
// document is soft-deleted (spec.md §4.C get_queue_status).
func (q *Queue) GetQueueStatus(ctx context.Context) (*QueueStatusCounts, error) {
	rows, err := q.db.QueryxContext(ctx, `
		SELECT cq.status, COUNT(*) FROM compression_queue cq
		JOIN media_documents d ON d.id = cq.document_id
		WHERE d.deleted_at IS NULL
		GROUP BY cq.status`)
	if err != nil {
		return nil, fmt.Errorf("compression: get_queue_status: %w", err)
	}
	defer rows.Close()

	counts := &QueueStatusCounts{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		switch Status(status) {
		case StatusPending:
			counts.Pending = n
		case StatusProcessing:
			counts.Processing = n
		case StatusCompleted:
			counts.Completed = n
		case StatusSkipped:
			counts.Skipped = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// UpdateStatsAfterCompression, UpdateStatsForSkipped, and
// UpdateStatsForFailed are the three paired terminal-transition stats
// mutators (spec.md §4.C: "the caller is responsible for correct pairing —
// exactly one of those three per terminal transition"). Each runs inside
// tx when supplied, or its own transaction otherwise.
func (q *Queue) UpdateStatsAfterCompression(ctx context.Context, tx *sqlx.Tx, originalBytes, compressedBytes int64) error {
	run := func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE compression_stats SET
				total_original_bytes = total_original_bytes + ?,
				total_compressed_bytes = total_compressed_bytes + ?,
				total_bytes_saved = total_bytes_saved + ?,
				total_files_compressed = total_files_compressed + 1,
				total_files_pending = MAX(0, total_files_pending - 1),
				last_compression_at = ?
			WHERE key = 'global'`,
			originalBytes, compressedBytes, originalBytes-compressedBytes, fmtTime(q.clock()))
		return err
	}
	if tx != nil {
		return run(tx)
	}
	return withTx(ctx, q.db, run)
}

func (q *Queue) UpdateStatsForSkipped(ctx context.Context, tx *sqlx.Tx) error {
	run := func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE compression_stats SET
				total_files_skipped = total_files_skipped + 1,
				total_files_pending = MAX(0, total_files_pending - 1)
			WHERE key = 'global'`)
		return err
	}
	if tx != nil {
		return run(tx)
	}
	return withTx(ctx, q.db, run)
}

func (q *Queue) UpdateStatsForFailed(ctx context.Context, tx *sqlx.Tx) error {
	run := func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE compression_stats SET
				total_files_failed = total_files_failed + 1,
				total_files_pending = MAX(0, total_files_pending - 1)
			WHERE key = 'global'`)
		return err
	}
	if tx != nil {
		return run(tx)
	}
	return withTx(ctx, q.db, run)
}

type statsRow struct {
	TotalOriginalBytes   int64          `db:"total_original_bytes"`
	TotalCompressedBytes int64          `db:"total_compressed_bytes"`
	TotalBytesSaved      int64          `db:"total_bytes_saved"`
	TotalFilesCompressed int64          `db:"total_files_compressed"`
	TotalFilesSkipped    int64          `db:"total_files_skipped"`
	TotalFilesFailed     int64          `db:"total_files_failed"`
	TotalFilesPending    int64          `db:"total_files_pending"`
	LastCompressionAt    sql.NullString `db:"last_compression_at"`
}

func (r statsRow) toDomain() (*Stats, error) {
	s := &Stats{
		TotalOriginalBytes:   r.TotalOriginalBytes,
		TotalCompressedBytes: r.TotalCompressedBytes,
		TotalBytesSaved:      r.TotalBytesSaved,
		TotalFilesCompressed: r.TotalFilesCompressed,
		TotalFilesSkipped:    r.TotalFilesSkipped,
		TotalFilesFailed:     r.TotalFilesFailed,
		TotalFilesPending:    r.TotalFilesPending,
	}
	if r.LastCompressionAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, r.LastCompressionAt.String)
		if err != nil {
			return nil, err
		}
		s.LastCompressionAt = &t
	}
	return s, nil
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isLockedErr reports whether err looks like a SQLite busy/locked error.
// modernc.org/sqlite surfaces these as plain string-bearing errors rather
// than a typed sentinel, so substring matching on the driver's message is
// the same approach the teacher's own retry path would need.
func isLockedErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "busy")
}
