package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/store"
)

// DeferredDeletionScheduler is the narrow dependency a remote hard-delete
// needs: the same shape compression.DeletionScheduler exposes, redeclared
// locally so this package never imports internal/compression.
type DeferredDeletionScheduler interface {
	ScheduleDeletion(ctx context.Context, documentID, filePath string, compressedPath *string, gracePeriodSeconds int64, requestedBy string) error
}

// DocumentEntityMerger is the media_documents strategy. Unlike
// GenericTableMerger, media_documents has no per-field LWW metadata
// columns: its content fields (path, filename, mime type, size, priority)
// are merged as one unit against the row's single updated_at, and its
// lifecycle columns (compression_status, blob_sync_status, blob_key,
// compressed_*, has_error/error_*) are never touched by an incoming
// change, since those are owned exclusively by the local Compression
// Service and Sync Service, not replicated state (spec.md §3 Document is
// "the most complex entity", handled as its own strategy rather than
// through the generic field map).
type DocumentEntityMerger struct {
	deletions          DeferredDeletionScheduler
	gracePeriodSeconds int64
	clock              func() time.Time
	logger             *slog.Logger
}

// NewDocumentEntityMerger builds the media_documents strategy.
func NewDocumentEntityMerger(deletions DeferredDeletionScheduler, gracePeriodSeconds int64, clock func() time.Time, logger *slog.Logger) *DocumentEntityMerger {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentEntityMerger{deletions: deletions, gracePeriodSeconds: gracePeriodSeconds, clock: clock, logger: logger}
}

var _ TableMerger = (*DocumentEntityMerger)(nil)

type documentCreatePayload struct {
	RelatedTable     string
	RelatedID        *string
	TempRelatedID    *string
	TypeID           string
	OriginalFilename string
	FilePath         string
	SizeBytes        int64
	MimeType         string
	SyncPriority     string
}

// ApplyChange handles media_documents creates as a whole-row upsert; a
// field-update change never applies to documents because documents are
// always replicated as full-state creates (spec.md §4.H push payload
// shape), and a remote soft-delete is policy-ignored for every table.
func (m *DocumentEntityMerger) ApplyChange(ctx context.Context, db *sqlx.DB, change changelog.Entry, _ string) (Outcome, error) {
	switch change.OperationType {
	case changelog.OpCreate:
		return m.applyCreate(ctx, db, change)
	case changelog.OpUpdate:
		return Outcome{Kind: OutcomeNoOp, EntityID: change.EntityID, Reason: "document field changes are replicated as full-state creates"}, nil
	default:
		return Outcome{}, fmt.Errorf("merge: media_documents: unsupported operation %q", change.OperationType)
	}
}

func (m *DocumentEntityMerger) applyCreate(ctx context.Context, db *sqlx.DB, change changelog.Entry) (Outcome, error) {
	if change.NewValue == nil {
		return Outcome{}, fmt.Errorf("merge: media_documents: create with no payload")
	}
	var payload documentCreatePayload
	if err := json.Unmarshal([]byte(*change.NewValue), &payload); err != nil {
		return Outcome{}, fmt.Errorf("merge: media_documents: decoding create payload: %w", err)
	}

	var out Outcome
	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		var existingUpdatedAt sql.NullString
		err := tx.GetContext(ctx, &existingUpdatedAt, `SELECT updated_at FROM media_documents WHERE id = ?`, change.EntityID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if ierr := m.insertDocument(ctx, tx, change, payload); ierr != nil {
				return ierr
			}
			out = Outcome{Kind: OutcomeCreated, EntityID: change.EntityID}
			return nil
		case err != nil:
			return err
		}

		localTs, perr := time.Parse(time.RFC3339Nano, existingUpdatedAt.String)
		if perr != nil {
			return perr
		}
		if !change.Timestamp.After(localTs) {
			out = Outcome{Kind: OutcomeNoOp, EntityID: change.EntityID, Reason: "stale relative to local updated_at"}
			return nil
		}

		if uerr := m.updateDocument(ctx, tx, change, payload); uerr != nil {
			return uerr
		}
		out = Outcome{Kind: OutcomeUpdated, EntityID: change.EntityID}
		return nil
	})
	return out, err
}

func (m *DocumentEntityMerger) insertDocument(ctx context.Context, tx *sqlx.Tx, change changelog.Entry, p documentCreatePayload) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO media_documents (
			id, related_table, related_id, temp_related_id, type_id,
			original_filename, file_path, size_bytes, mime_type,
			compression_status, blob_sync_status, sync_priority, source_of_change,
			has_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending', 'pending', ?, 'sync', 0, ?, ?)`,
		change.EntityID, p.RelatedTable, p.RelatedID, p.TempRelatedID, nullIfEmpty(p.TypeID),
		p.OriginalFilename, p.FilePath, p.SizeBytes, p.MimeType,
		defaultPriority(p.SyncPriority), fmtTime(change.Timestamp), fmtTime(change.Timestamp))
	return err
}

func (m *DocumentEntityMerger) updateDocument(ctx context.Context, tx *sqlx.Tx, change changelog.Entry, p documentCreatePayload) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE media_documents
		SET related_table = ?, related_id = ?, temp_related_id = ?, type_id = ?,
		    original_filename = ?, file_path = ?, size_bytes = ?, mime_type = ?,
		    sync_priority = ?, updated_at = ?
		WHERE id = ?`,
		p.RelatedTable, p.RelatedID, p.TempRelatedID, nullIfEmpty(p.TypeID),
		p.OriginalFilename, p.FilePath, p.SizeBytes, p.MimeType,
		defaultPriority(p.SyncPriority), fmtTime(change.Timestamp), change.EntityID)
	return err
}

// ApplyTombstone deletes the row and routes the on-disk files through the
// Deferred Deletion queue rather than removing them synchronously, exactly
// like a local hard-delete does (spec.md §4.I). The scheduling call is
// best-effort and runs after the row-deletion transaction commits: the
// store's single-connection pool means a nested transaction on the same
// *sqlx.DB would deadlock.
func (m *DocumentEntityMerger) ApplyTombstone(ctx context.Context, db *sqlx.DB, tomb changelog.Tombstone, _ string) (Outcome, error) {
	var out Outcome
	var filePath string
	var compressedPath *string

	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		var row struct {
			FilePath           string         `db:"file_path"`
			CompressedFilePath sql.NullString `db:"compressed_file_path"`
		}
		err := tx.GetContext(ctx, &row, `SELECT file_path, compressed_file_path FROM media_documents WHERE id = ?`, tomb.EntityID)
		if errors.Is(err, sql.ErrNoRows) {
			out = Outcome{Kind: OutcomeNoOp, EntityID: tomb.EntityID, Reason: "already absent"}
			return nil
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM media_documents WHERE id = ?`, tomb.EntityID); err != nil {
			return err
		}

		filePath = row.FilePath
		if row.CompressedFilePath.Valid {
			compressedPath = &row.CompressedFilePath.String
		}
		out = Outcome{Kind: OutcomeHardDeleted, EntityID: tomb.EntityID}
		return nil
	})
	if err != nil || out.Kind != OutcomeHardDeleted {
		return out, err
	}

	if serr := m.deletions.ScheduleDeletion(ctx, tomb.EntityID, filePath, compressedPath, m.gracePeriodSeconds, store.SystemUserID); serr != nil {
		m.logger.Warn("merge: failed to schedule deletion for remotely hard-deleted document",
			slog.String("document_id", tomb.EntityID), slog.Any("error", serr))
	}
	return out, nil
}

func defaultPriority(s string) string {
	if s == "" {
		return "normal"
	}
	return s
}
