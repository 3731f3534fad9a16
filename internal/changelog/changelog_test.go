package changelog_test

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordCreateThenFindUnprocessed(t *testing.T) {
	s := openTest(t)
	fixed := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	repo := changelog.New(s.DB(), func() time.Time { return fixed })

	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.RecordCreate(context.Background(), tx, "projects", "p1", `{"name":"demo"}`, "user1", "deviceA")
	})
	require.NoError(t, err)

	entries, err := repo.FindUnprocessedChangesByPriority(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, changelog.OpCreate, entries[0].OperationType)
	assert.Nil(t, entries[0].FieldName)
	require.NotNil(t, entries[0].NewValue)
	assert.Equal(t, `{"name":"demo"}`, *entries[0].NewValue)
	assert.True(t, entries[0].Timestamp.Equal(fixed))
}

func TestMarkAsProcessedExcludesFromUnprocessedQuery(t *testing.T) {
	s := openTest(t)
	repo := changelog.New(s.DB(), nil)

	var opID string
	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if err := repo.RecordFieldUpdate(context.Background(), tx, "projects", "p1", "name", nil, strPtr("demo"), "user1", "deviceA"); err != nil {
			return err
		}
		return tx.Get(&opID, `SELECT operation_id FROM change_log LIMIT 1`)
	})
	require.NoError(t, err)

	err = s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.MarkAsProcessed(context.Background(), tx, opID, "batch1", time.Now())
	})
	require.NoError(t, err)

	entries, err := repo.FindUnprocessedChangesByPriority(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRecordTombstoneAndMarkPushed(t *testing.T) {
	s := openTest(t)
	repo := changelog.New(s.DB(), nil)

	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.RecordTombstone(context.Background(), tx, "projects", "p1", "user1", "deviceA", nil)
	})
	require.NoError(t, err)

	tombstones, err := repo.FindUnpushedTombstones(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	assert.Equal(t, "p1", tombstones[0].EntityID)

	err = s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		return repo.MarkAsPushed(context.Background(), tx, tombstones[0].ID, "batch1", time.Now())
	})
	require.NoError(t, err)

	tombstones, err = repo.FindUnpushedTombstones(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func strPtr(s string) *string { return &s }
