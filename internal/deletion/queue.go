// Package deletion implements the Deferred Deletion Worker (spec.md §4.I):
// a durable queue of files awaiting removal after their grace period
// expires, polled on a fixed interval. Grounded on
// original_source/src/domains/document/file_deletion_worker.rs.
package deletion

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Entry is a durable file_deletion_queue row (spec.md §3
// FileDeletionQueueEntry).
type Entry struct {
	ID                 string
	DocumentID         string
	FilePath           string
	CompressedFilePath *string
	RequestedAt        time.Time
	RequestedBy        string
	GracePeriodSeconds int64
	LastAttemptAt      *time.Time
	Attempts           int
	CompletedAt        *time.Time
	ErrorMessage       *string
}

// Repository persists the deferred-deletion queue.
type Repository struct {
	db    *sqlx.DB
	clock func() time.Time
}

// New builds a Repository. clock defaults to time.Now.
func New(db *sqlx.DB, clock func() time.Time) *Repository {
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: db, clock: clock}
}

// ScheduleDeletion enqueues a file (and optionally its compressed
// counterpart) for removal once gracePeriodSeconds elapses. Implements the
// narrow scheduler interface both internal/compression and internal/merge
// depend on.
func (r *Repository) ScheduleDeletion(ctx context.Context, documentID, filePath string, compressedPath *string, gracePeriodSeconds int64, requestedBy string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_deletion_queue (
			id, document_id, file_path, compressed_file_path,
			requested_at, requested_by, grace_period_seconds
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), documentID, filePath, compressedPath,
		r.clock().UTC().Format(time.RFC3339Nano), requestedBy, gracePeriodSeconds)
	if err != nil {
		return fmt.Errorf("deletion: scheduling %s: %w", documentID, err)
	}
	return nil
}

// FindDue returns entries whose grace period has elapsed, not yet
// completed, ordered by attempts then request time (spec.md §4.I: try
// not-yet-attempted files first, then oldest first).
func (r *Repository) FindDue(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, document_id, file_path, compressed_file_path, requested_at,
		       requested_by, grace_period_seconds, last_attempt_at, attempts,
		       completed_at, error_message
		FROM file_deletion_queue
		WHERE completed_at IS NULL
		  AND datetime(requested_at, '+' || grace_period_seconds || ' seconds') <= datetime(?)
		ORDER BY attempts ASC, requested_at ASC
		LIMIT ?`,
		r.clock().UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("deletion: finding due entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkAttempted bumps the retry counter without marking completion, used
// when a file is skipped because it's currently in use.
func (r *Repository) MarkAttempted(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE file_deletion_queue SET last_attempt_at = ?, attempts = attempts + 1 WHERE id = ?`,
		r.clock().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("deletion: marking %s attempted: %w", id, err)
	}
	return nil
}

// MarkCompleted stamps completed_at and clears any prior error.
func (r *Repository) MarkCompleted(ctx context.Context, id string) error {
	now := r.clock().UTC().Format(time.RFC3339Nano)
	_, err := r.db.ExecContext(ctx, `
		UPDATE file_deletion_queue
		SET completed_at = ?, last_attempt_at = ?, attempts = attempts + 1, error_message = NULL
		WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("deletion: marking %s completed: %w", id, err)
	}
	return nil
}

// MarkFailed bumps the retry counter and records the failure reason.
func (r *Repository) MarkFailed(ctx context.Context, id, errMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE file_deletion_queue
		SET last_attempt_at = ?, attempts = attempts + 1, error_message = ?
		WHERE id = ?`, r.clock().UTC().Format(time.RFC3339Nano), errMsg, id)
	if err != nil {
		return fmt.Errorf("deletion: marking %s failed: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows rowScanner) (Entry, error) {
	var e Entry
	var requestedAt string
	var compressedPath, lastAttemptAt, completedAt, errMsg sql.NullString
	if err := rows.Scan(&e.ID, &e.DocumentID, &e.FilePath, &compressedPath, &requestedAt,
		&e.RequestedBy, &e.GracePeriodSeconds, &lastAttemptAt, &e.Attempts,
		&completedAt, &errMsg); err != nil {
		return Entry{}, err
	}

	ts, err := time.Parse(time.RFC3339Nano, requestedAt)
	if err != nil {
		return Entry{}, fmt.Errorf("deletion: parsing requested_at: %w", err)
	}
	e.RequestedAt = ts

	if compressedPath.Valid {
		e.CompressedFilePath = &compressedPath.String
	}
	if lastAttemptAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastAttemptAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("deletion: parsing last_attempt_at: %w", err)
		}
		e.LastAttemptAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return Entry{}, fmt.Errorf("deletion: parsing completed_at: %w", err)
		}
		e.CompletedAt = &t
	}
	if errMsg.Valid {
		e.ErrorMessage = &errMsg.String
	}

	return e, nil
}
