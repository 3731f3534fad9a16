package store_test

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/store"
)

func openTest(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRunsMigrationsAndSeeds(t *testing.T) {
	s := openTest(t)

	var count int
	err := s.DB().Get(&count, "SELECT COUNT(*) FROM users WHERE id = ?", store.SystemUserID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = s.DB().Get(&count, "SELECT COUNT(*) FROM compression_stats WHERE key = 'global'")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWithTxCommitsOnSuccess(t *testing.T) {
	s := openTest(t)

	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, execErr := tx.Exec(`INSERT INTO projects (id, name, status, created_at, updated_at)
			VALUES ('p1', 'demo', 'active', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`)
		return execErr
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM projects WHERE id = 'p1'"))
	assert.Equal(t, 1, count)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTest(t)

	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		if _, execErr := tx.Exec(`INSERT INTO projects (id, name, status, created_at, updated_at)
			VALUES ('p2', 'demo', 'active', '2026-01-01T00:00:00Z', '2026-01-01T00:00:00Z')`); execErr != nil {
			return execErr
		}
		return assert.AnError
	})
	require.Error(t, err)

	var count int
	require.NoError(t, s.DB().Get(&count, "SELECT COUNT(*) FROM projects WHERE id = 'p2'"))
	assert.Equal(t, 0, count)
}
