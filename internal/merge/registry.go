package merge

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
)

// Registry dispatches an incoming change or tombstone to the TableMerger
// registered for its entity table, after applying the locality guard that
// every strategy shares (spec.md §4.G).
type Registry struct {
	db      *sqlx.DB
	mergers map[string]TableMerger
}

// NewRegistry builds an empty Registry; callers populate it with Register.
func NewRegistry(db *sqlx.DB) *Registry {
	return &Registry{db: db, mergers: make(map[string]TableMerger)}
}

// Register binds a TableMerger to the entity table (change-log) / entity
// type (tombstone) name it handles.
func (r *Registry) Register(table string, m TableMerger) {
	r.mergers[table] = m
}

// BatchResult is the outcome of applying one pull's worth of changes and
// tombstones. Each item is applied independently, so a single bad item
// never blocks the rest of the batch (spec.md §4.H pull-and-merge cycle).
type BatchResult struct {
	ChangeOutcomes    []Outcome
	TombstoneOutcomes []Outcome
	Errors            []error
}

// ApplyBatch applies every change then every tombstone, in the order
// supplied, accumulating per-item outcomes and errors.
func (r *Registry) ApplyBatch(ctx context.Context, changes []changelog.Entry, tombstones []changelog.Tombstone, localDeviceID string) BatchResult {
	var res BatchResult
	for _, c := range changes {
		out, err := r.ApplyChange(ctx, c, localDeviceID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("merge: change %s/%s: %w", c.EntityTable, c.EntityID, err))
			continue
		}
		res.ChangeOutcomes = append(res.ChangeOutcomes, out)
	}
	for _, t := range tombstones {
		out, err := r.ApplyTombstone(ctx, t, localDeviceID)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("merge: tombstone %s/%s: %w", t.EntityType, t.EntityID, err))
			continue
		}
		res.TombstoneOutcomes = append(res.TombstoneOutcomes, out)
	}
	return res
}

// ApplyChange applies a single change-log entry, after the locality guard.
func (r *Registry) ApplyChange(ctx context.Context, change changelog.Entry, localDeviceID string) (Outcome, error) {
	if change.DeviceID == localDeviceID {
		return Outcome{Kind: OutcomeNoOp, EntityID: change.EntityID, Reason: "local echo, device already applied this change"}, nil
	}
	if change.OperationType == changelog.OpDelete {
		return Outcome{Kind: OutcomeNoOp, EntityID: change.EntityID, Reason: "remote soft-deletes are policy-ignored"}, nil
	}

	m, ok := r.mergers[change.EntityTable]
	if !ok {
		return Outcome{}, fmt.Errorf("merge: no merger registered for table %q", change.EntityTable)
	}
	return m.ApplyChange(ctx, r.db, change, localDeviceID)
}

// ApplyTombstone applies a single hard-deletion marker, after the locality
// guard. Unlike soft-deletes, tombstones are always authoritative once
// observed remotely (spec.md §3 Tombstone).
func (r *Registry) ApplyTombstone(ctx context.Context, tomb changelog.Tombstone, localDeviceID string) (Outcome, error) {
	if tomb.DeletedByDevice == localDeviceID {
		return Outcome{Kind: OutcomeNoOp, EntityID: tomb.EntityID, Reason: "local echo, device already applied this tombstone"}, nil
	}

	m, ok := r.mergers[tomb.EntityType]
	if !ok {
		return Outcome{}, fmt.Errorf("merge: no merger registered for table %q", tomb.EntityType)
	}
	return m.ApplyTombstone(ctx, r.db, tomb, localDeviceID)
}
