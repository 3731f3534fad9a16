package deletion_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/deletion"
	"github.com/fieldops/syncore/internal/storage"
	"github.com/fieldops/syncore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fixedUsage struct {
	active map[string]bool
}

func (f *fixedUsage) IsActive(_ context.Context, documentID string) (bool, error) {
	return f.active[documentID], nil
}

func TestFindDueExcludesWithinGracePeriod(t *testing.T) {
	s := openTest(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := deletion.New(s.DB(), func() time.Time { return now })

	require.NoError(t, repo.ScheduleDeletion(context.Background(), "d1", "original/a.txt", nil, 3600, "user1"))

	due, err := repo.FindDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestFindDueIncludesExpiredGracePeriod(t *testing.T) {
	s := openTest(t)
	requestedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := deletion.New(s.DB(), func() time.Time { return requestedAt })
	require.NoError(t, repo.ScheduleDeletion(context.Background(), "d1", "original/a.txt", nil, 3600, "user1"))

	later := deletion.New(s.DB(), func() time.Time { return requestedAt.Add(2 * time.Hour) })
	due, err := later.FindDue(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "d1", due[0].DocumentID)
}

func TestProcessOnceDeletesAndMarksCompleted(t *testing.T) {
	s := openTest(t)
	root := t.TempDir()
	blobs, err := storage.New(root)
	require.NoError(t, err)

	relPath, _, err := blobs.Save([]byte("hello"), "projects", "p1", "a.txt")
	require.NoError(t, err)

	requestedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := requestedAt
	repo := deletion.New(s.DB(), func() time.Time { return clock })
	require.NoError(t, repo.ScheduleDeletion(context.Background(), "d1", relPath, nil, 60, "user1"))

	clock = requestedAt.Add(time.Hour)
	w := deletion.NewWorker(repo, blobs, nil, config.DefaultDeletionConfig(), func() time.Time { return clock }, nil)

	require.NoError(t, w.ProcessOnce(context.Background()))

	due, err := repo.FindDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, due)

	exists, err := blobs.Exists(relPath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProcessOnceSkipsActiveLeaseAndRetries(t *testing.T) {
	s := openTest(t)
	root := t.TempDir()
	blobs, err := storage.New(root)
	require.NoError(t, err)

	relPath, _, err := blobs.Save([]byte("hello"), "projects", "p1", "a.txt")
	require.NoError(t, err)

	requestedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := requestedAt
	repo := deletion.New(s.DB(), func() time.Time { return clock })
	require.NoError(t, repo.ScheduleDeletion(context.Background(), "d1", relPath, nil, 60, "user1"))

	clock = requestedAt.Add(time.Hour)
	usage := &fixedUsage{active: map[string]bool{"d1": true}}
	w := deletion.NewWorker(repo, blobs, usage, config.DefaultDeletionConfig(), func() time.Time { return clock }, nil)

	require.NoError(t, w.ProcessOnce(context.Background()))

	due, err := repo.FindDue(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	exists, err := blobs.Exists(relPath)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestProcessOnceIsIdempotentOnMissingFile(t *testing.T) {
	s := openTest(t)
	root := t.TempDir()
	blobs, err := storage.New(root)
	require.NoError(t, err)

	requestedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := requestedAt
	repo := deletion.New(s.DB(), func() time.Time { return clock })
	require.NoError(t, repo.ScheduleDeletion(context.Background(), "d1", "original/projects/p1/gone.txt", nil, 60, "user1"))

	clock = requestedAt.Add(time.Hour)
	w := deletion.NewWorker(repo, blobs, nil, config.DefaultDeletionConfig(), func() time.Time { return clock }, nil)

	require.NoError(t, w.ProcessOnce(context.Background()))

	due, err := repo.FindDue(context.Background(), 100)
	require.NoError(t, err)
	assert.Empty(t, due)
}
