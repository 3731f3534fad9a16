package merge_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/merge"
	"github.com/fieldops/syncore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *store.Store, id, name, status string, ts time.Time, device string) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO projects (id, name, name_updated_at, name_updated_by_user, name_updated_by_device,
			status, status_updated_at, status_updated_by_user, status_updated_by_device,
			created_at, updated_at)
		VALUES (?, ?, ?, 'user1', ?, ?, ?, 'user1', ?, ?, ?)`,
		id, name, ts.UTC().Format(time.RFC3339Nano), device,
		status, ts.UTC().Format(time.RFC3339Nano), device,
		ts.UTC().Format(time.RFC3339Nano), ts.UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func newProjectsRegistry(s *store.Store) *merge.Registry {
	r := merge.NewRegistry(s.DB())
	r.Register("projects", merge.NewGenericTableMerger("projects", []merge.FieldSpec{
		{JSONKey: "Name", Column: "name"},
		{JSONKey: "Status", Column: "status"},
	}, nil))
	return r
}

func entry(table, id, field string, old, newValue *string, ts time.Time, device string) changelog.Entry {
	return changelog.Entry{
		OperationID:   "op-" + id + "-" + field,
		EntityTable:   table,
		EntityID:      id,
		OperationType: changelog.OpUpdate,
		FieldName:     &field,
		OldValue:      old,
		NewValue:      newValue,
		Timestamp:     ts,
		UserID:        "user2",
		DeviceID:      device,
	}
}

func TestApplyChangeIgnoresLocalEcho(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	newVal := "Beta"
	change := entry("projects", "p1", "name", nil, &newVal, base.Add(time.Hour), "deviceA")

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeNoOp, out.Kind)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p1'`))
	assert.Equal(t, "Alpha", name)
}

func TestApplyChangeNewerFieldWins(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	newVal := "Beta"
	change := entry("projects", "p1", "name", nil, &newVal, base.Add(time.Hour), "deviceB")

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeUpdated, out.Kind)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p1'`))
	assert.Equal(t, "Beta", name)
}

func TestApplyChangeStaleFieldDiscarded(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	newVal := "Beta"
	change := entry("projects", "p1", "name", nil, &newVal, base.Add(-time.Hour), "deviceB")

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeNoOp, out.Kind)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p1'`))
	assert.Equal(t, "Alpha", name)
}

func TestApplyChangeEqualTimestampTieBreaksOnDeviceID(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	newVal := "Zeta"
	change := entry("projects", "p1", "name", nil, &newVal, base, "deviceZ")

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeConflict, out.Kind)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p1'`))
	assert.Equal(t, "Zeta", name)

	var conflicts int
	require.NoError(t, s.DB().Get(&conflicts, `SELECT COUNT(1) FROM sync_conflicts WHERE entity_id = 'p1'`))
	assert.Equal(t, 1, conflicts)
}

func TestApplyChangeSoftDeleteIsPolicyIgnored(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	change := changelog.Entry{
		OperationID: "op-del", EntityTable: "projects", EntityID: "p1",
		OperationType: changelog.OpDelete, Timestamp: base.Add(time.Hour),
		UserID: "user2", DeviceID: "deviceB",
	}

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeNoOp, out.Kind)

	var deletedAt sql.NullString
	require.NoError(t, s.DB().Get(&deletedAt, `SELECT deleted_at FROM projects WHERE id = 'p1'`))
	assert.False(t, deletedAt.Valid)
}

func TestApplyTombstoneHardDeletes(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedProject(t, s, "p1", "Alpha", "active", base, "deviceA")

	r := newProjectsRegistry(s)
	tomb := changelog.Tombstone{
		ID: "t1", EntityID: "p1", EntityType: "projects",
		DeletedByUser: "user2", DeletedByDevice: "deviceB", DeletedAt: base.Add(time.Hour),
		OperationID: "op-t1",
	}

	out, err := r.ApplyTombstone(context.Background(), tomb, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeHardDeleted, out.Kind)

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(1) FROM projects WHERE id = 'p1'`))
	assert.Equal(t, 0, count)
}

func TestApplyChangeCreateInsertsNewRow(t *testing.T) {
	s := openTest(t)
	r := newProjectsRegistry(s)

	payload := `{"Name":"Gamma","Status":"active"}`
	change := changelog.Entry{
		OperationID: "op-c1", EntityTable: "projects", EntityID: "p2",
		OperationType: changelog.OpCreate, NewValue: &payload,
		Timestamp: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
		UserID:    "user2", DeviceID: "deviceB",
	}

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeCreated, out.Kind)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p2'`))
	assert.Equal(t, "Gamma", name)
}

type fakeDeletions struct {
	calls    int
	docID    string
	filePath string
}

func (f *fakeDeletions) ScheduleDeletion(_ context.Context, documentID, filePath string, _ *string, _ int64, _ string) error {
	f.calls++
	f.docID = documentID
	f.filePath = filePath
	return nil
}

func seedDocument(t *testing.T, s *store.Store, id string, ts time.Time) {
	t.Helper()
	_, err := s.DB().Exec(`
		INSERT INTO media_documents (id, related_table, related_id, original_filename, file_path,
			size_bytes, mime_type, compression_status, blob_sync_status, sync_priority,
			source_of_change, has_error, created_at, updated_at)
		VALUES (?, 'projects', 'p1', 'a.txt', 'original/projects/p1/a.txt', 10, 'text/plain',
			'pending', 'pending', 'normal', 'local', 0, ?, ?)`,
		id, ts.UTC().Format(time.RFC3339Nano), ts.UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func TestDocumentMergerTombstoneSchedulesDeletion(t *testing.T) {
	s := openTest(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedDocument(t, s, "d1", base)

	deletions := &fakeDeletions{}
	r := merge.NewRegistry(s.DB())
	r.Register("media_documents", merge.NewDocumentEntityMerger(deletions, 604800, nil, nil))

	tomb := changelog.Tombstone{
		ID: "t1", EntityID: "d1", EntityType: "media_documents",
		DeletedByUser: "user2", DeletedByDevice: "deviceB", DeletedAt: base.Add(time.Hour),
		OperationID: "op-t1",
	}

	out, err := r.ApplyTombstone(context.Background(), tomb, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeHardDeleted, out.Kind)
	assert.Equal(t, 1, deletions.calls)
	assert.Equal(t, "d1", deletions.docID)
	assert.Equal(t, "original/projects/p1/a.txt", deletions.filePath)

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(1) FROM media_documents WHERE id = 'd1'`))
	assert.Equal(t, 0, count)
}

func TestDocumentMergerCreateIsSyncSourced(t *testing.T) {
	s := openTest(t)
	deletions := &fakeDeletions{}
	r := merge.NewRegistry(s.DB())
	r.Register("media_documents", merge.NewDocumentEntityMerger(deletions, 604800, nil, nil))

	payload := `{"RelatedTable":"projects","RelatedID":"p1","OriginalFilename":"b.pdf","FilePath":"original/projects/p1/b.pdf","SizeBytes":42,"MimeType":"application/pdf","SyncPriority":"high"}`
	change := changelog.Entry{
		OperationID: "op-c2", EntityTable: "media_documents", EntityID: "d2",
		OperationType: changelog.OpCreate, NewValue: &payload,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UserID:    "user2", DeviceID: "deviceB",
	}

	out, err := r.ApplyChange(context.Background(), change, "deviceA")
	require.NoError(t, err)
	assert.Equal(t, merge.OutcomeCreated, out.Kind)

	var source string
	require.NoError(t, s.DB().Get(&source, `SELECT source_of_change FROM media_documents WHERE id = 'd2'`))
	assert.Equal(t, "sync", source)
}
