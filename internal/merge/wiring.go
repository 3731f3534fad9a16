package merge

import (
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// NewDefaultRegistry wires the two field-mapped tables this repository
// carries (projects, document_types) plus the media_documents strategy into
// one Registry, the shape a host application assembles once at startup.
func NewDefaultRegistry(db *sqlx.DB, deletions DeferredDeletionScheduler, gracePeriodSeconds int64, clock func() time.Time, logger *slog.Logger) *Registry {
	r := NewRegistry(db)
	r.Register("projects", NewGenericTableMerger("projects", []FieldSpec{
		{JSONKey: "Name", Column: "name"},
		{JSONKey: "Status", Column: "status"},
	}, clock))
	r.Register("document_types", NewGenericTableMerger("document_types", []FieldSpec{
		{JSONKey: "Name", Column: "name"},
	}, clock))
	r.Register("media_documents", NewDocumentEntityMerger(deletions, gracePeriodSeconds, clock, logger))
	return r
}
