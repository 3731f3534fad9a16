package compression_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/compression"
	"github.com/fieldops/syncore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertDocument(t *testing.T, s *store.Store, id string, deleted bool) {
	t.Helper()
	var deletedAt any
	if deleted {
		deletedAt = "2026-01-01T00:00:00Z"
	}
	_, err := s.DB().Exec(`
		INSERT INTO media_documents (id, related_table, related_id, original_filename, file_path, size_bytes, mime_type, created_at, updated_at, deleted_at)
		VALUES (?, 'projects', 'p1', 'a.jpg', 'original/projects/p1/a.jpg', 100, 'image/jpeg', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z', ?)`,
		id, deletedAt)
	require.NoError(t, err)
}

func TestEnqueueInsertsThenUpdatesPriorityOnReenqueue(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", false)
	q := compression.NewQueue(s.DB(), nil)

	entry, err := q.Enqueue(context.Background(), "doc1", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, entry.Priority)
	assert.Equal(t, compression.StatusPending, entry.Status)

	entry2, err := q.Enqueue(context.Background(), "doc1", 10)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, entry2.ID)
	assert.Equal(t, 10, entry2.Priority)

	var count int
	require.NoError(t, s.DB().Get(&count, `SELECT COUNT(*) FROM compression_queue WHERE document_id = 'doc1'`))
	assert.Equal(t, 1, count)
}

func TestNextForCompressionPicksHighestPriorityThenOldest(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", false)
	insertDocument(t, s, "doc2", false)
	insertDocument(t, s, "doc3", false)
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := compression.NewQueue(s.DB(), func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	})

	_, err := q.Enqueue(context.Background(), "doc1", 1)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "doc2", 10)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "doc3", 10) // same priority as doc2, enqueued later
	require.NoError(t, err)

	next, err := q.NextForCompression(context.Background())
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "doc2", next.DocumentID)
	assert.Equal(t, compression.StatusProcessing, next.Status)
	assert.Equal(t, 1, next.Attempts)

	var docStatus string
	require.NoError(t, s.DB().Get(&docStatus, `SELECT compression_status FROM media_documents WHERE id = 'doc2'`))
	assert.Equal(t, "processing", docStatus)
}

func TestNextForCompressionSkipsSoftDeletedDocument(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", true)
	q := compression.NewQueue(s.DB(), nil)

	_, err := q.Enqueue(context.Background(), "doc1", 5)
	require.NoError(t, err)

	next, err := q.NextForCompression(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestNextForCompressionSkipsActivelyUsedDocument(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", false)
	_, err := s.DB().Exec(`INSERT INTO active_file_usage (document_id, last_active_at) VALUES ('doc1', ?)`, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	q := compression.NewQueue(s.DB(), nil)
	_, err = q.Enqueue(context.Background(), "doc1", 5)
	require.NoError(t, err)

	next, err := q.NextForCompression(context.Background())
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestBulkUpdatePriorityOnlyAffectsPendingRows(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", false)
	insertDocument(t, s, "doc2", false)
	q := compression.NewQueue(s.DB(), nil)

	_, err := q.Enqueue(context.Background(), "doc1", 1)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "doc2", 1)
	require.NoError(t, err)

	_, err = q.NextForCompression(context.Background()) // claims doc1 (priority tie -> oldest); either claim leaves one pending row
	require.NoError(t, err)

	affected, err := q.BulkUpdatePriority(context.Background(), []string{"doc1", "doc2"}, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
}

func TestRemoveReportsExistence(t *testing.T) {
	s := openTest(t)
	insertDocument(t, s, "doc1", false)
	q := compression.NewQueue(s.DB(), nil)

	_, err := q.Enqueue(context.Background(), "doc1", 1)
	require.NoError(t, err)

	existed, err := q.Remove(context.Background(), "doc1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = q.Remove(context.Background(), "doc1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStatsUpdatesForEachTerminalTransition(t *testing.T) {
	s := openTest(t)
	q := compression.NewQueue(s.DB(), nil)

	require.NoError(t, q.UpdateStatsAfterCompression(context.Background(), nil, 1000, 400))
	stats, err := q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), stats.TotalOriginalBytes)
	assert.Equal(t, int64(400), stats.TotalCompressedBytes)
	assert.Equal(t, int64(600), stats.TotalBytesSaved)
	assert.Equal(t, int64(1), stats.TotalFilesCompressed)

	require.NoError(t, q.UpdateStatsForSkipped(context.Background(), nil))
	stats, err = q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalFilesSkipped)

	require.NoError(t, q.UpdateStatsForFailed(context.Background(), nil))
	stats, err = q.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalFilesFailed)
}
