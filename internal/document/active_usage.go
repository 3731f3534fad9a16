package document

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ActiveUsageRepository tracks the host application's open-file leases
// (spec.md §3 ActiveFileUsageLease): a document held open by the host must
// never be compressed or deleted out from under it. Grounded on
// original_source/src/domains/document/file_deletion_worker.rs's
// is_file_in_use query, generalized into a standalone repository so both
// the Compression Service (compression.ActiveUsage) and the Deferred
// Deletion Worker can depend on the same lease state.
type ActiveUsageRepository struct {
	db     *sqlx.DB
	window time.Duration
	clock  func() time.Time
}

// NewActiveUsageRepository builds a repository. window is how recent
// last_active_at must be for a lease to count as active (spec.md §6, 5
// minutes by default — config.CompressionConfig.ActiveLeaseWindow). clock
// defaults to time.Now.
func NewActiveUsageRepository(db *sqlx.DB, window time.Duration, clock func() time.Time) *ActiveUsageRepository {
	if clock == nil {
		clock = time.Now
	}
	return &ActiveUsageRepository{db: db, window: window, clock: clock}
}

// MarkActive records or refreshes a lease, called by the host whenever it
// opens a document's file for reading or writing.
func (r *ActiveUsageRepository) MarkActive(ctx context.Context, documentID string) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO active_file_usage (document_id, last_active_at) VALUES (?, ?)
		ON CONFLICT(document_id) DO UPDATE SET last_active_at = excluded.last_active_at`,
		documentID, now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("document: marking %s active: %w", documentID, err)
	}
	return nil
}

// Release drops a lease, called by the host when it closes the file. Not
// required for correctness (leases age out on their own) but lets the
// Compression Service and Deferred Deletion Worker proceed immediately
// instead of waiting out the window.
func (r *ActiveUsageRepository) Release(ctx context.Context, documentID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_file_usage WHERE document_id = ?`, documentID)
	if err != nil {
		return fmt.Errorf("document: releasing lease for %s: %w", documentID, err)
	}
	return nil
}

// IsActive implements compression.ActiveUsage: true if a lease for
// documentID was refreshed within the window.
func (r *ActiveUsageRepository) IsActive(ctx context.Context, documentID string) (bool, error) {
	var lastActive string
	err := r.db.GetContext(ctx, &lastActive,
		`SELECT last_active_at FROM active_file_usage WHERE document_id = ?`, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("document: checking active usage for %s: %w", documentID, err)
	}

	ts, err := time.Parse(time.RFC3339Nano, lastActive)
	if err != nil {
		return false, fmt.Errorf("document: parsing active usage timestamp for %s: %w", documentID, err)
	}

	return r.clock().Sub(ts) <= r.window, nil
}
