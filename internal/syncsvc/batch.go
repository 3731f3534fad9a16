package syncsvc

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// BatchDirection is which way a sync_batches row moved data.
type BatchDirection string

const (
	DirectionPush BatchDirection = "push"
	DirectionPull BatchDirection = "pull"
)

// BatchStatus is a sync_batches row's lifecycle state.
type BatchStatus string

const (
	BatchInProgress BatchStatus = "in_progress"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is one push or pull cycle's bookkeeping row (spec.md §3 SyncBatch,
// trimmed to the columns the migration actually carries).
type Batch struct {
	ID           string
	Direction    BatchDirection
	Status       BatchStatus
	ItemCount    int
	Attempts     int
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SyncDeviceConfig is the per-user sync_config row: the auth token, the
// last server-issued change token for incremental pulls, and the
// offline-mode flag that short-circuits every transport call (spec.md §4.H).
type SyncDeviceConfig struct {
	UserID          string
	APIToken        *string
	LastServerToken *string
	OfflineMode     bool
	UpdatedAt       time.Time
}

// BatchRepository persists sync_batches and sync_config.
type BatchRepository struct {
	db    *sqlx.DB
	clock func() time.Time
}

// NewBatchRepository builds a BatchRepository. clock defaults to time.Now.
func NewBatchRepository(db *sqlx.DB, clock func() time.Time) *BatchRepository {
	if clock == nil {
		clock = time.Now
	}
	return &BatchRepository{db: db, clock: clock}
}

// CreateBatch inserts a new in_progress batch row.
func (r *BatchRepository) CreateBatch(ctx context.Context, direction BatchDirection, itemCount int) (Batch, error) {
	now := r.clock()
	b := Batch{
		ID: uuid.NewString(), Direction: direction, Status: BatchInProgress,
		ItemCount: itemCount, CreatedAt: now, UpdatedAt: now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_batches (id, direction, status, item_count, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		b.ID, string(b.Direction), string(b.Status), b.ItemCount,
		fmtTime(now), fmtTime(now))
	if err != nil {
		return Batch{}, fmt.Errorf("syncsvc: creating batch: %w", err)
	}
	return b, nil
}

// Finalize stamps a batch's terminal status, optionally recording an error.
func (r *BatchRepository) Finalize(ctx context.Context, id string, status BatchStatus, errMsg *string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_batches SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), errMsg, fmtTime(r.clock()), id)
	if err != nil {
		return fmt.Errorf("syncsvc: finalizing batch %s: %w", id, err)
	}
	return nil
}

// IncrementAttempts bumps a batch's retry counter, used when a push/pull
// cycle is retried under the same batch identity.
func (r *BatchRepository) IncrementAttempts(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_batches SET attempts = attempts + 1, updated_at = ? WHERE id = ?`,
		fmtTime(r.clock()), id)
	if err != nil {
		return fmt.Errorf("syncsvc: incrementing batch attempts %s: %w", id, err)
	}
	return nil
}

// GetSyncConfig returns the per-user config, or a zero-value config with
// OfflineMode false if the row doesn't exist yet (a fresh device has never
// synced, not one that's forced offline).
func (r *BatchRepository) GetSyncConfig(ctx context.Context, userID string) (SyncDeviceConfig, error) {
	var row struct {
		UserID          string         `db:"user_id"`
		APIToken        sql.NullString `db:"api_token"`
		LastServerToken sql.NullString `db:"last_server_token"`
		OfflineMode     bool           `db:"offline_mode"`
		UpdatedAt       string         `db:"updated_at"`
	}

	err := r.db.GetContext(ctx, &row, `SELECT * FROM sync_config WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncDeviceConfig{UserID: userID, OfflineMode: false, UpdatedAt: r.clock()}, nil
	}
	if err != nil {
		return SyncDeviceConfig{}, fmt.Errorf("syncsvc: loading sync config for %s: %w", userID, err)
	}

	updatedAt, err := time.Parse(time.RFC3339Nano, row.UpdatedAt)
	if err != nil {
		return SyncDeviceConfig{}, fmt.Errorf("syncsvc: parsing sync config timestamp: %w", err)
	}

	cfg := SyncDeviceConfig{UserID: row.UserID, OfflineMode: row.OfflineMode, UpdatedAt: updatedAt}
	if row.APIToken.Valid {
		cfg.APIToken = &row.APIToken.String
	}
	if row.LastServerToken.Valid {
		cfg.LastServerToken = &row.LastServerToken.String
	}
	return cfg, nil
}

// UpsertSyncConfig writes the full per-user config row, creating it on
// first sync.
func (r *BatchRepository) UpsertSyncConfig(ctx context.Context, cfg SyncDeviceConfig) error {
	now := r.clock()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_config (user_id, api_token, last_server_token, offline_mode, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			api_token = excluded.api_token,
			last_server_token = excluded.last_server_token,
			offline_mode = excluded.offline_mode,
			updated_at = excluded.updated_at`,
		cfg.UserID, cfg.APIToken, cfg.LastServerToken, cfg.OfflineMode, fmtTime(now))
	if err != nil {
		return fmt.Errorf("syncsvc: upserting sync config for %s: %w", cfg.UserID, err)
	}
	return nil
}

// UpdateLastServerToken stamps the incremental-pull cursor after a
// successful GetChangesSince, creating the user's sync_config row (online,
// no API token) on a device that has none yet.
func (r *BatchRepository) UpdateLastServerToken(ctx context.Context, userID, token string) error {
	now := fmtTime(r.clock())
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_config (user_id, last_server_token, offline_mode, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			last_server_token = excluded.last_server_token,
			updated_at = excluded.updated_at`,
		userID, token, now)
	if err != nil {
		return fmt.Errorf("syncsvc: updating server token for %s: %w", userID, err)
	}
	return nil
}

// SetOfflineMode flips the offline short-circuit flag.
func (r *BatchRepository) SetOfflineMode(ctx context.Context, userID string, offline bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sync_config SET offline_mode = ?, updated_at = ? WHERE user_id = ?`,
		offline, fmtTime(r.clock()), userID)
	if err != nil {
		return fmt.Errorf("syncsvc: setting offline mode for %s: %w", userID, err)
	}
	return nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
