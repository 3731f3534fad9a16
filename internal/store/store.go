// Package store owns the single SQLite database shared by every component
// of the core: document lifecycle, compression queue, change log and
// tombstones, sync bookkeeping, and deferred deletion. One *Store, one
// *sql.DB, one connection pool — components never open their own handle.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // pure-Go driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// walJournalSizeLimit caps the WAL file at 64 MiB before a checkpoint is
// forced, bounding worst-case disk usage on storage-constrained devices.
const walJournalSizeLimit = 67108864

// Store wraps the shared *sqlx.DB. All repositories in other packages take
// a *Store (or its *sqlx.DB via DB()) rather than opening their own
// connection, so the whole engine shares one pool and one migration state.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the SQLite database at path, applies
// pragmas, and runs every pending migration. Use ":memory:" for tests.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: opening %s: %w", path, err)
	}

	// SQLite's pure-Go driver serializes writers internally; a single
	// connection avoids SQLITE_BUSY under concurrent goroutine access.
	sqlDB.SetMaxOpenConns(1)

	if err := setPragmas(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := runMigrations(ctx, sqlDB, logger); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := sqlx.NewDb(sqlDB, "sqlite")

	return &Store{db: db, logger: logger}, nil
}

// DB returns the shared handle for repositories to build their own
// sqlx-backed queries against.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single short-lived transaction, committing on
// success and rolling back on any error or panic. Repositories use this to
// hold at most one transaction open at a time, never spanning a suspension
// point that waits on I/O outside the database itself.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("store: tx failed (%w) and rollback failed: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}

	return nil
}

func setPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = NORMAL", "synchronous NORMAL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
		{"PRAGMA busy_timeout = 5000", "busy timeout"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}
	}

	return nil
}

// runMigrations applies every embedded migration using the goose v3
// Provider API (no package-level global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// SystemUserID is the synthetic user recorded by the initial migration,
// used wherever the core needs an actor identity without a real logged-in
// user (worker-driven compression and remotely requested hard deletes, for
// example).
const SystemUserID = "00000000-0000-0000-0000-000000000000"
