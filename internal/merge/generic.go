package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
)

// FieldSpec names one LWW-tracked column. The table must carry the three
// companion metadata columns <column>_updated_at / _updated_by_user /
// _updated_by_device, the shape the projects and document_types tables use
// for their LWW-tracked fields (spec.md §6).
type FieldSpec struct {
	// JSONKey is the key this field is marshaled under in a full-state
	// create payload (document.Document and similar structs use Go field
	// names, so JSONKey is usually the exported Go identifier).
	JSONKey string
	Column  string
}

// GenericTableMerger is the field-map-driven merge strategy used for any
// table whose mutable columns follow the <column>/<column>_updated_at/
// <column>_updated_by_user/<column>_updated_by_device convention (the
// projects and document_types tables in this repo).
type GenericTableMerger struct {
	table  string
	fields []FieldSpec
	clock  func() time.Time
}

// NewGenericTableMerger builds a merger for table, tracking fields.
func NewGenericTableMerger(table string, fields []FieldSpec, clock func() time.Time) *GenericTableMerger {
	if clock == nil {
		clock = time.Now
	}
	return &GenericTableMerger{table: table, fields: fields, clock: clock}
}

var _ TableMerger = (*GenericTableMerger)(nil)

func (g *GenericTableMerger) fieldByColumn(column string) (FieldSpec, bool) {
	for _, f := range g.fields {
		if f.Column == column {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// ApplyChange dispatches a change-log entry to the create/update handler for
// its operation type (spec.md §4.G apply_change_with_tx).
func (g *GenericTableMerger) ApplyChange(ctx context.Context, db *sqlx.DB, change changelog.Entry, _ string) (Outcome, error) {
	switch change.OperationType {
	case changelog.OpCreate:
		return g.applyCreate(ctx, db, change)
	case changelog.OpUpdate:
		return g.applyUpdate(ctx, db, change)
	default:
		return Outcome{}, fmt.Errorf("merge: %s: unsupported operation %q for a field-mapped table", g.table, change.OperationType)
	}
}

// ApplyTombstone deletes the row unconditionally; a tombstone is
// authoritative regardless of local field timestamps.
func (g *GenericTableMerger) ApplyTombstone(ctx context.Context, db *sqlx.DB, tomb changelog.Tombstone, _ string) (Outcome, error) {
	var out Outcome
	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, g.table), tomb.EntityID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			out = Outcome{Kind: OutcomeNoOp, EntityID: tomb.EntityID, Reason: "already absent"}
			return nil
		}
		out = Outcome{Kind: OutcomeHardDeleted, EntityID: tomb.EntityID}
		return nil
	})
	return out, err
}

// applyCreate treats a full-state create as an upsert: a genuinely new row
// is inserted outright; a create that arrives for an already-existing
// entity (the common case once both devices have synced at least once) is
// re-applied field by field through the same LWW rule an update uses.
func (g *GenericTableMerger) applyCreate(ctx context.Context, db *sqlx.DB, change changelog.Entry) (Outcome, error) {
	if change.NewValue == nil {
		return Outcome{}, fmt.Errorf("merge: %s: create with no payload", g.table)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(*change.NewValue), &payload); err != nil {
		return Outcome{}, fmt.Errorf("merge: %s: decoding create payload: %w", g.table, err)
	}

	var out Outcome
	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		var exists int
		if err := tx.GetContext(ctx, &exists, fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE id = ?`, g.table), change.EntityID); err != nil {
			return err
		}

		if exists == 0 {
			if err := g.insertRow(ctx, tx, change, payload); err != nil {
				return err
			}
			out = Outcome{Kind: OutcomeCreated, EntityID: change.EntityID}
			return nil
		}

		merged, err := g.mergeFields(ctx, tx, change.EntityID, payload, change.Timestamp, change.UserID, change.DeviceID)
		if err != nil {
			return err
		}
		out = merged
		return nil
	})
	return out, err
}

func (g *GenericTableMerger) insertRow(ctx context.Context, tx *sqlx.Tx, change changelog.Entry, payload map[string]any) error {
	cols := []string{"id", "created_at", "updated_at"}
	placeholders := []string{"?", "?", "?"}
	args := []any{change.EntityID, fmtTime(change.Timestamp), fmtTime(change.Timestamp)}

	for _, f := range g.fields {
		v, ok := payload[f.JSONKey]
		if !ok {
			continue
		}
		cols = append(cols, f.Column, f.Column+"_updated_at", f.Column+"_updated_by_user", f.Column+"_updated_by_device")
		placeholders = append(placeholders, "?", "?", "?", "?")
		args = append(args, stringify(v), fmtTime(change.Timestamp), change.UserID, change.DeviceID)
	}

	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, g.table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	_, err := tx.ExecContext(ctx, q, args...)
	return err
}

func (g *GenericTableMerger) mergeFields(ctx context.Context, tx *sqlx.Tx, entityID string, payload map[string]any, ts time.Time, userID, deviceID string) (Outcome, error) {
	out := Outcome{Kind: OutcomeNoOp, EntityID: entityID, Reason: "no tracked fields present in payload"}
	anyApplied := false
	anyConflict := false

	for _, f := range g.fields {
		v, ok := payload[f.JSONKey]
		if !ok {
			continue
		}
		fieldOut, err := g.applyFieldLWW(ctx, tx, entityID, f.Column, stringify(v), ts, userID, deviceID)
		if err != nil {
			return Outcome{}, err
		}
		switch fieldOut.Kind {
		case OutcomeUpdated:
			anyApplied = true
		case OutcomeConflict:
			anyApplied = true
			anyConflict = true
		}
	}

	switch {
	case anyConflict:
		out = Outcome{Kind: OutcomeConflict, EntityID: entityID}
	case anyApplied:
		out = Outcome{Kind: OutcomeUpdated, EntityID: entityID}
	}
	return out, nil
}

// applyUpdate applies a single field-update change (spec.md §4.G
// apply_update).
func (g *GenericTableMerger) applyUpdate(ctx context.Context, db *sqlx.DB, change changelog.Entry) (Outcome, error) {
	if change.FieldName == nil {
		return Outcome{}, fmt.Errorf("merge: %s: update with no field name", g.table)
	}
	field, ok := g.fieldByColumn(*change.FieldName)
	if !ok {
		return Outcome{}, fmt.Errorf("merge: %s: unknown field %q", g.table, *change.FieldName)
	}
	var newVal string
	if change.NewValue != nil {
		newVal = *change.NewValue
	}

	var out Outcome
	err := withTx(ctx, db, func(tx *sqlx.Tx) error {
		var rerr error
		out, rerr = g.applyFieldLWW(ctx, tx, change.EntityID, field.Column, newVal, change.Timestamp, change.UserID, change.DeviceID)
		return rerr
	})
	return out, err
}

// applyFieldLWW is the per-field last-write-wins rule every table's update
// path shares: the incoming value wins if its timestamp is strictly newer,
// or if timestamps tie and the incoming device-id sorts after the
// recorded one. A tie with differing values is logged to sync_conflicts
// even though it still resolves deterministically, so a human can see that
// two devices touched the same field at once.
func (g *GenericTableMerger) applyFieldLWW(ctx context.Context, tx *sqlx.Tx, entityID, column, newValue string, ts time.Time, userID, deviceID string) (Outcome, error) {
	var existing struct {
		Value      sql.NullString `db:"value"`
		UpdatedAt  sql.NullString `db:"updated_at"`
		UpdatedDev sql.NullString `db:"updated_device"`
	}
	q := fmt.Sprintf(`SELECT %s AS value, %s_updated_at AS updated_at, %s_updated_by_device AS updated_device FROM %s WHERE id = ?`,
		column, column, column, g.table)
	if err := tx.GetContext(ctx, &existing, q, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Outcome{}, fmt.Errorf("merge: %s: field update for missing row %s", g.table, entityID)
		}
		return Outcome{}, err
	}

	apply := false
	conflict := false
	if !existing.UpdatedAt.Valid {
		apply = true
	} else {
		existingTs, err := time.Parse(time.RFC3339Nano, existing.UpdatedAt.String)
		if err != nil {
			return Outcome{}, err
		}
		switch {
		case ts.After(existingTs):
			apply = true
		case ts.Equal(existingTs):
			conflict = existing.Value.String != newValue
			apply = deviceID > existing.UpdatedDev.String
		default:
			apply = false
		}
	}

	if conflict {
		if err := g.recordConflict(ctx, tx, entityID, column, existing.Value, newValue); err != nil {
			return Outcome{}, err
		}
	}

	if !apply {
		return Outcome{Kind: OutcomeNoOp, EntityID: entityID, Reason: "stale relative to local field timestamp"}, nil
	}

	upd := fmt.Sprintf(`UPDATE %s SET %s = ?, %s_updated_at = ?, %s_updated_by_user = ?, %s_updated_by_device = ?, updated_at = ? WHERE id = ?`,
		g.table, column, column, column, column)
	if _, err := tx.ExecContext(ctx, upd, newValue, fmtTime(ts), userID, deviceID, fmtTime(ts), entityID); err != nil {
		return Outcome{}, err
	}
	if conflict {
		return Outcome{Kind: OutcomeConflict, EntityID: entityID}, nil
	}
	return Outcome{Kind: OutcomeUpdated, EntityID: entityID}, nil
}

func (g *GenericTableMerger) recordConflict(ctx context.Context, tx *sqlx.Tx, entityID, column string, localValue sql.NullString, remoteValue string) error {
	var local *string
	if localValue.Valid {
		local = &localValue.String
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, entity_table, entity_id, field_name, local_value, remote_value, reason, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), g.table, entityID, column, local, remoteValue,
		"concurrent field update with equal timestamps, resolved by device-id tie-break", fmtTime(g.clock()))
	return err
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
