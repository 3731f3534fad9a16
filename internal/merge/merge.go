// Package merge implements the Entity Merger (spec.md §4.G): the component
// that applies an incoming remote change-log entry or tombstone to a local
// table. Every strategy enforces the same two rules before touching a row:
//
//   - a change whose device-id equals the local device is a locally
//     produced echo and is discarded without being applied again
//   - a remote soft-delete (OpDelete) is never applied locally; soft-delete
//     is a local-only visibility concern, and deletion propagation happens
//     exclusively through hard-delete tombstones
//
// What remains is per-field last-write-wins: each mutable field carries its
// own timestamp/user/device triple, and a field is only overwritten by an
// incoming change whose timestamp is strictly newer, or equal with a
// lexicographically greater device-id (a deterministic, total tie-break
// that needs no coordination between devices).
package merge

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
)

// OutcomeKind classifies what ApplyChange/ApplyTombstone did to a row.
type OutcomeKind string

const (
	OutcomeCreated     OutcomeKind = "created"
	OutcomeUpdated     OutcomeKind = "updated"
	OutcomeNoOp        OutcomeKind = "no_op"
	OutcomeConflict    OutcomeKind = "conflict_detected"
	OutcomeHardDeleted OutcomeKind = "hard_deleted"
)

// Conflict records a field that two devices edited with equal timestamps,
// for later display even though the tie-break already resolved it
// deterministically.
type Conflict struct {
	EntityTable string
	EntityID    string
	FieldName   string
	LocalValue  *string
	RemoteValue *string
	Reason      string
	DetectedAt  time.Time
}

// Outcome is the result of applying one change or tombstone to one entity.
type Outcome struct {
	Kind     OutcomeKind
	EntityID string
	Reason   string
	Conflict *Conflict
}

// TableMerger applies remote changes to a single local table. Implementations
// own their own short-lived transactions (the same discipline as
// internal/compression.Queue) rather than being handed one, since a
// hard-delete may need to do work after its row-deletion commits (routing a
// document through the Deferred Deletion queue).
type TableMerger interface {
	ApplyChange(ctx context.Context, db *sqlx.DB, change changelog.Entry, localDeviceID string) (Outcome, error)
	ApplyTombstone(ctx context.Context, db *sqlx.DB, tomb changelog.Tombstone, localDeviceID string) (Outcome, error)
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

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
