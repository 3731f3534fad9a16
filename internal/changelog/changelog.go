// Package changelog implements the append-only local journals described in
// spec.md §4.F: a field-level change log and a hard-deletion tombstone log.
// Every repository that mutates a tracked entity writes here inside the
// same transaction as the mutation, giving the Sync Service (component H) a
// durable, ordered record of everything that must be replicated.
package changelog

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

func newOperationID() string {
	return uuid.NewString()
}

// OperationType classifies a ChangeLogEntry (spec.md §3 ChangeLogEntry).
type OperationType string

const (
	OpCreate     OperationType = "create"
	OpUpdate     OperationType = "update"
	OpDelete     OperationType = "delete"
	OpHardDelete OperationType = "hard_delete"
)

// Entry is one row of the append-only change log. Entries are immutable
// once written; the only later mutation is stamping SyncBatchID/ProcessedAt
// (spec.md §3 ChangeLogEntry invariant).
type Entry struct {
	OperationID  string
	EntityTable  string
	EntityID     string
	OperationType OperationType
	FieldName    *string
	OldValue     *string
	NewValue     *string
	Timestamp    time.Time
	UserID       string
	DeviceID     string
	SyncBatchID  *string
	ProcessedAt  *time.Time
	SyncError    *string
}

// Tombstone is a hard-deletion marker, authoritative once observed remotely
// (spec.md §3 Tombstone).
type Tombstone struct {
	ID              string
	EntityID        string
	EntityType      string
	DeletedByUser   string
	DeletedByDevice string
	DeletedAt       time.Time
	OperationID     string
	Metadata        *string
	PushedBatchID   *string
	PushedAt        *time.Time
}

// Writer is the narrow interface other repositories depend on so they can
// log a mutation inside their own transaction without importing the full
// Repository surface. Every method must be called with a transaction
// already open on the same connection the caller is using.
type Writer interface {
	RecordCreate(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, newValueJSON, userID, deviceID string) error
	RecordFieldUpdate(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, fieldName string, oldValue, newValue *string, userID, deviceID string) error
	RecordSoftDelete(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, userID, deviceID string) error
	RecordTombstone(ctx context.Context, tx *sqlx.Tx, entityType, entityID, userID, deviceID string, metadata *string) error
}

// Repository persists change-log entries and tombstones and serves the
// Sync Service's unprocessed/unpushed queries (spec.md §4.F).
type Repository struct {
	db    *sqlx.DB
	clock func() time.Time
}

// New builds a Repository. clock defaults to time.Now when nil, overridable
// in tests via internal/clockutil.
func New(db *sqlx.DB, clock func() time.Time) *Repository {
	if clock == nil {
		clock = time.Now
	}
	return &Repository{db: db, clock: clock}
}

var _ Writer = (*Repository)(nil)

// RecordCreate writes a single full-state entry (field_name = null) for a
// newly created entity.
func (r *Repository) RecordCreate(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, newValueJSON, userID, deviceID string) error {
	return r.insert(ctx, tx, Entry{
		OperationID:   newOperationID(),
		EntityTable:   entityTable,
		EntityID:      entityID,
		OperationType: OpCreate,
		NewValue:      &newValueJSON,
		Timestamp:     r.clock(),
		UserID:        userID,
		DeviceID:      deviceID,
	})
}

// RecordFieldUpdate writes one entry per modified field.
func (r *Repository) RecordFieldUpdate(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, fieldName string, oldValue, newValue *string, userID, deviceID string) error {
	field := fieldName
	return r.insert(ctx, tx, Entry{
		OperationID:   newOperationID(),
		EntityTable:   entityTable,
		EntityID:      entityID,
		OperationType: OpUpdate,
		FieldName:     &field,
		OldValue:      oldValue,
		NewValue:      newValue,
		Timestamp:     r.clock(),
		UserID:        userID,
		DeviceID:      deviceID,
	})
}

// RecordSoftDelete writes a single entry with no field for a soft-delete.
func (r *Repository) RecordSoftDelete(ctx context.Context, tx *sqlx.Tx, entityTable, entityID, userID, deviceID string) error {
	return r.insert(ctx, tx, Entry{
		OperationID:   newOperationID(),
		EntityTable:   entityTable,
		EntityID:      entityID,
		OperationType: OpDelete,
		Timestamp:     r.clock(),
		UserID:        userID,
		DeviceID:      deviceID,
	})
}

func (r *Repository) insert(ctx context.Context, tx *sqlx.Tx, e Entry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO change_log (
			operation_id, entity_table, entity_id, operation_type, field_name,
			old_value, new_value, timestamp, user_id, device_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.OperationID, e.EntityTable, e.EntityID, string(e.OperationType), e.FieldName,
		e.OldValue, e.NewValue, e.Timestamp.UTC().Format(time.RFC3339Nano), e.UserID, e.DeviceID,
	)
	return err
}

// RecordTombstone writes a hard-deletion marker. A hard-delete never writes
// a change-log row (spec.md §4.F).
func (r *Repository) RecordTombstone(ctx context.Context, tx *sqlx.Tx, entityType, entityID, userID, deviceID string, metadata *string) error {
	t := Tombstone{
		ID:              newOperationID(),
		EntityID:        entityID,
		EntityType:      entityType,
		DeletedByUser:   userID,
		DeletedByDevice: deviceID,
		DeletedAt:       r.clock(),
		OperationID:     newOperationID(),
		Metadata:        metadata,
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO tombstones (
			id, entity_id, entity_type, deleted_by_user, deleted_by_device,
			deleted_at, operation_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EntityID, t.EntityType, t.DeletedByUser, t.DeletedByDevice,
		t.DeletedAt.UTC().Format(time.RFC3339Nano), t.OperationID, t.Metadata,
	)
	return err
}

// FindUnprocessedChangesByPriority returns entries with processed_at is
// null, ordered by timestamp ascending (spec.md §4.F).
func (r *Repository) FindUnprocessedChangesByPriority(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT operation_id, entity_table, entity_id, operation_type, field_name,
		       old_value, new_value, timestamp, user_id, device_id, sync_batch_id,
		       processed_at, sync_error
		FROM change_log
		WHERE processed_at IS NULL
		ORDER BY timestamp ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
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

// FindUnpushedTombstones returns tombstones with pushed_at is null, ordered
// by deleted_at ascending.
func (r *Repository) FindUnpushedTombstones(ctx context.Context, limit int) ([]Tombstone, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT id, entity_id, entity_type, deleted_by_user, deleted_by_device,
		       deleted_at, operation_id, metadata, pushed_batch_id, pushed_at
		FROM tombstones
		WHERE pushed_at IS NULL
		ORDER BY deleted_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		if err := rows.Scan(&t.ID, &t.EntityID, &t.EntityType, &t.DeletedByUser,
			&t.DeletedByDevice, &deletedAt, &t.OperationID, &t.Metadata,
			&t.PushedBatchID, &t.PushedAt); err != nil {
			return nil, err
		}
		t.DeletedAt, err = time.Parse(time.RFC3339Nano, deletedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkAsProcessed stamps sync_batch_id and processed_at on a change-log
// entry inside the caller's transaction.
func (r *Repository) MarkAsProcessed(ctx context.Context, tx *sqlx.Tx, operationID, batchID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE change_log SET sync_batch_id = ?, processed_at = ? WHERE operation_id = ?`,
		batchID, now.UTC().Format(time.RFC3339Nano), operationID)
	return err
}

// MarkAsPushed stamps pushed_batch_id and pushed_at on a tombstone inside
// the caller's transaction.
func (r *Repository) MarkAsPushed(ctx context.Context, tx *sqlx.Tx, id, batchID string, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tombstones SET pushed_batch_id = ?, pushed_at = ? WHERE id = ?`,
		batchID, now.UTC().Format(time.RFC3339Nano), id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows rowScanner) (Entry, error) {
	var e Entry
	var opType, timestamp string
	var processedAt *string
	if err := rows.Scan(&e.OperationID, &e.EntityTable, &e.EntityID, &opType, &e.FieldName,
		&e.OldValue, &e.NewValue, &timestamp, &e.UserID, &e.DeviceID, &e.SyncBatchID,
		&processedAt, &e.SyncError); err != nil {
		return Entry{}, err
	}
	e.OperationType = OperationType(opType)
	ts, err := time.Parse(time.RFC3339Nano, timestamp)
	if err != nil {
		return Entry{}, err
	}
	e.Timestamp = ts
	if processedAt != nil {
		pa, err := time.Parse(time.RFC3339Nano, *processedAt)
		if err != nil {
			return Entry{}, err
		}
		e.ProcessedAt = &pa
	}
	return e, nil
}
