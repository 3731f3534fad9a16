package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
)

// Repository persists Document rows, enforcing the invariants in spec.md §3
// and logging every mutation to the change-log inside the same transaction
// (spec.md §4.F).
type Repository struct {
	db        *sqlx.DB
	changelog changelog.Writer
	clock     func() time.Time
}

// New builds a Repository. clock defaults to time.Now when nil.
func New(db *sqlx.DB, cl changelog.Writer, clock func() time.Time) *Repository {
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: db, changelog: cl, clock: clock}
}

// row is the sqlx scan target; nullable columns use sql.Null* types so the
// mapping to *string/*time.Time stays explicit at the boundary.
type row struct {
	ID                  string         `db:"id"`
	RelatedTable        string         `db:"related_table"`
	RelatedID           sql.NullString `db:"related_id"`
	TempRelatedID       sql.NullString `db:"temp_related_id"`
	TypeID              sql.NullString `db:"type_id"`
	OriginalFilename    string         `db:"original_filename"`
	FilePath            string         `db:"file_path"`
	CompressedFilePath  sql.NullString `db:"compressed_file_path"`
	SizeBytes           int64          `db:"size_bytes"`
	CompressedSizeBytes sql.NullInt64  `db:"compressed_size_bytes"`
	MimeType            string         `db:"mime_type"`
	CompressionStatus   string         `db:"compression_status"`
	BlobSyncStatus      string         `db:"blob_sync_status"`
	BlobKey             sql.NullString `db:"blob_key"`
	SyncPriority        string         `db:"sync_priority"`
	SourceOfChange      string         `db:"source_of_change"`
	HasError            bool           `db:"has_error"`
	ErrorType           sql.NullString `db:"error_type"`
	ErrorMessage        sql.NullString `db:"error_message"`
	CreatedAt           string         `db:"created_at"`
	UpdatedAt           string         `db:"updated_at"`
	DeletedAt           sql.NullString `db:"deleted_at"`
}

func (r row) toDomain() (*Document, error) {
	d := &Document{
		ID:                r.ID,
		RelatedTable:      r.RelatedTable,
		OriginalFilename:  r.OriginalFilename,
		FilePath:          r.FilePath,
		SizeBytes:         r.SizeBytes,
		MimeType:          r.MimeType,
		CompressionStatus: CompressionStatus(r.CompressionStatus),
		BlobSyncStatus:    BlobSyncStatus(r.BlobSyncStatus),
		SyncPriority:      SyncPriority(r.SyncPriority),
		SourceOfChange:    SourceOfChange(r.SourceOfChange),
		HasError:          r.HasError,
	}
	if r.RelatedID.Valid {
		d.RelatedID = &r.RelatedID.String
	}
	if r.TempRelatedID.Valid {
		d.TempRelatedID = &r.TempRelatedID.String
	}
	if r.TypeID.Valid {
		d.TypeID = r.TypeID.String
	}
	if r.CompressedFilePath.Valid {
		d.CompressedFilePath = &r.CompressedFilePath.String
	}
	if r.CompressedSizeBytes.Valid {
		d.CompressedSizeBytes = &r.CompressedSizeBytes.Int64
	}
	if r.BlobKey.Valid {
		d.BlobKey = &r.BlobKey.String
	}
	if r.ErrorType.Valid {
		d.ErrorType = &r.ErrorType.String
	}
	if r.ErrorMessage.Valid {
		d.ErrorMessage = &r.ErrorMessage.String
	}

	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("document: parsing created_at: %w", err)
	}
	d.CreatedAt = createdAt

	updatedAt, err := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("document: parsing updated_at: %w", err)
	}
	d.UpdatedAt = updatedAt

	if r.DeletedAt.Valid {
		deletedAt, err := time.Parse(time.RFC3339Nano, r.DeletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("document: parsing deleted_at: %w", err)
		}
		d.DeletedAt = &deletedAt
	}

	return d, nil
}

// Create inserts a new Document and logs a full-state change-log entry in
// the same transaction (spec.md §4.F).
func (r *Repository) Create(ctx context.Context, d *Document, userID, deviceID string) (*Document, error) {
	if (d.RelatedID == nil) == (d.TempRelatedID == nil) {
		return nil, ErrInvalidRelation
	}
	if d.CompressedFilePath != nil && (d.CompressedSizeBytes == nil || d.CompressionStatus != CompressionCompleted) {
		return nil, ErrInvalidCompressedState
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := r.clock()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.CompressionStatus == "" {
		d.CompressionStatus = CompressionPending
	}
	if d.BlobSyncStatus == "" {
		d.BlobSyncStatus = BlobPending
	}
	if d.SourceOfChange == "" {
		d.SourceOfChange = SourceLocal
	}
	if d.SyncPriority == "" {
		d.SyncPriority = PriorityNormal
	}

	db, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("document: begin tx: %w", err)
	}
	defer db.Rollback() //nolint:errcheck

	if _, err := db.ExecContext(ctx, `
		INSERT INTO media_documents (
			id, related_table, related_id, temp_related_id, type_id,
			original_filename, file_path, compressed_file_path, size_bytes,
			compressed_size_bytes, mime_type, compression_status, blob_sync_status,
			blob_key, sync_priority, source_of_change, has_error, error_type,
			error_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.RelatedTable, d.RelatedID, d.TempRelatedID, nullIfEmpty(d.TypeID),
		d.OriginalFilename, d.FilePath, d.CompressedFilePath, d.SizeBytes,
		d.CompressedSizeBytes, d.MimeType, string(d.CompressionStatus), string(d.BlobSyncStatus),
		d.BlobKey, string(d.SyncPriority), string(d.SourceOfChange), d.HasError, d.ErrorType,
		d.ErrorMessage, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
	); err != nil {
		return nil, fmt.Errorf("document: insert: %w", err)
	}

	payload, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("document: marshaling create payload: %w", err)
	}
	if err := r.changelog.RecordCreate(ctx, db, "media_documents", d.ID, string(payload), userID, deviceID); err != nil {
		return nil, fmt.Errorf("document: recording change-log entry: %w", err)
	}

	if err := db.Commit(); err != nil {
		return nil, fmt.Errorf("document: commit: %w", err)
	}

	return d, nil
}

// Get returns a document by id, including soft-deleted rows — callers that
// must respect invariant (v) should use GetActive instead.
func (r *Repository) Get(ctx context.Context, id string) (*Document, error) {
	var rr row
	err := r.db.GetContext(ctx, &rr, `SELECT * FROM media_documents WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document: get %s: %w", id, err)
	}
	return rr.toDomain()
}

// GetActive returns a document by id, excluding soft-deleted rows
// (spec.md §3 Document invariant v).
func (r *Repository) GetActive(ctx context.Context, id string) (*Document, error) {
	var rr row
	err := r.db.GetContext(ctx, &rr, `SELECT * FROM media_documents WHERE id = ? AND deleted_at IS NULL`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("document: get active %s: %w", id, err)
	}
	return rr.toDomain()
}

// FindPendingBlobUploads returns non-deleted documents still awaiting a
// blob upload, never_sync priority excluded, ordered so high-priority
// documents upload first (spec.md §4.H transfer ordering).
func (r *Repository) FindPendingBlobUploads(ctx context.Context, limit int) ([]*Document, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT * FROM media_documents
		WHERE blob_sync_status = ? AND sync_priority != ? AND deleted_at IS NULL
		ORDER BY CASE sync_priority WHEN 'high' THEN 0 WHEN 'normal' THEN 1 ELSE 2 END, created_at ASC
		LIMIT ?`, string(BlobPending), string(PriorityNever), limit)
	if err != nil {
		return nil, fmt.Errorf("document: listing pending blob uploads: %w", err)
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		var rr row
		if err := rows.StructScan(&rr); err != nil {
			return nil, fmt.Errorf("document: scanning pending blob upload: %w", err)
		}
		d, err := rr.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateCompressionOutcome advances the compression lifecycle axis after
// the Compression Service finishes with a document (spec.md §4.D). hasError
// is explicit rather than derived from errType/errMsg nilness: a skip
// records a reason string in errMsg without being an error (spec.md §3
// treats compression-status=skipped and the error flag as independent
// axes), while a failure sets both.
func (r *Repository) UpdateCompressionOutcome(ctx context.Context, id string, status CompressionStatus, compressedPath *string, compressedSize *int64, hasError bool, errType, errMsg *string) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		UPDATE media_documents
		SET compression_status = ?, compressed_file_path = ?, compressed_size_bytes = ?,
		    has_error = ?, error_type = ?, error_message = ?, updated_at = ?
		WHERE id = ?`,
		string(status), compressedPath, compressedSize, hasError, errType, errMsg, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("document: update compression outcome %s: %w", id, err)
	}
	return nil
}

// ClearCompressionErrorAndMarkProcessing is compress_document's step 3
// (spec.md §4.D): once a document passes eligibility, any prior error is
// cleared and the document enters processing, so a retried document does
// not carry a stale error_type/error_message past the attempt that set it.
func (r *Repository) ClearCompressionErrorAndMarkProcessing(ctx context.Context, id string) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		UPDATE media_documents
		SET compression_status = ?, has_error = 0, error_type = NULL, error_message = NULL, updated_at = ?
		WHERE id = ?`,
		string(CompressionProcessing), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("document: clear compression error %s: %w", id, err)
	}
	return nil
}

// UpdateBlobSyncStatus advances the independent blob-sync axis
// (spec.md §4.H blob upload/download decision logic).
func (r *Repository) UpdateBlobSyncStatus(ctx context.Context, id string, status BlobSyncStatus, blobKey *string) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		UPDATE media_documents SET blob_sync_status = ?, blob_key = ?, updated_at = ? WHERE id = ?`,
		string(status), blobKey, fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("document: update blob sync status %s: %w", id, err)
	}
	return nil
}

// SoftDelete sets deleted_at and logs a single delete entry with no field
// (spec.md §4.F).
func (r *Repository) SoftDelete(ctx context.Context, id, userID, deviceID string) error {
	now := r.clock()

	db, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("document: begin tx: %w", err)
	}
	defer db.Rollback() //nolint:errcheck

	res, err := db.ExecContext(ctx, `UPDATE media_documents SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`,
		fmtTime(now), fmtTime(now), id)
	if err != nil {
		return fmt.Errorf("document: soft delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document: soft delete rows affected %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := r.changelog.RecordSoftDelete(ctx, db, "media_documents", id, userID, deviceID); err != nil {
		return fmt.Errorf("document: recording soft-delete change-log entry: %w", err)
	}

	return db.Commit()
}

// HardDelete removes the row entirely and writes a tombstone instead of a
// change-log entry (spec.md §4.F). The caller is responsible for routing
// the file removal through the Deferred Deletion queue first.
func (r *Repository) HardDelete(ctx context.Context, id, userID, deviceID string) error {
	db, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("document: begin tx: %w", err)
	}
	defer db.Rollback() //nolint:errcheck

	res, err := db.ExecContext(ctx, `DELETE FROM media_documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("document: hard delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("document: hard delete rows affected %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if err := r.changelog.RecordTombstone(ctx, db, "media_documents", id, userID, deviceID, nil); err != nil {
		return fmt.Errorf("document: recording tombstone: %w", err)
	}

	return db.Commit()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
