package deletion

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/storage"
)

// ActiveUsage reports whether a document is currently held open by the
// host application. Declared locally, the same shape as
// compression.ActiveUsage, so the Deferred Deletion Worker doesn't import
// the compression package just to share one method signature.
type ActiveUsage interface {
	IsActive(ctx context.Context, documentID string) (bool, error)
}

// Worker is the Deferred Deletion Worker (spec.md §4.I): a single
// goroutine that wakes on a fixed interval, finds grace-period-expired
// queue entries, and removes their files unless a lease is still held.
type Worker struct {
	queue   *Repository
	storage *storage.Store
	usage   ActiveUsage
	cfg     config.DeletionConfig
	clock   func() time.Time
	logger  *slog.Logger
}

// NewWorker builds a Worker. usage may be nil to disable the active-lease
// check entirely (the Rust original's disable_active_files_check, useful
// in tests and cleanup tooling). clock defaults to time.Now, logger to
// slog.Default.
func NewWorker(queue *Repository, store *storage.Store, usage ActiveUsage, cfg config.DeletionConfig, clock func() time.Time, logger *slog.Logger) *Worker {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, storage: store, usage: usage, cfg: cfg, clock: clock, logger: logger}
}

// Run polls every cfg.PollInterval until ctx is cancelled, logging
// per-cycle errors rather than exiting — a failed pass must not end the
// worker (spec.md §4.I, matching the Rust original's log-and-continue
// select loop).
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("deletion: worker started", slog.Duration("poll_interval", w.cfg.PollInterval))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("deletion: worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				w.logger.Error("deletion: processing queue failed", slog.Any("error", err))
			}
		}
	}
}

// ProcessOnce runs a single pass over the due queue entries.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	due, err := w.queue.FindDue(ctx, w.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("deletion: loading due entries: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	w.logger.Info("deletion: processing queue", slog.Int("count", len(due)))

	for _, entry := range due {
		w.processEntry(ctx, entry)
	}
	return nil
}

func (w *Worker) processEntry(ctx context.Context, entry Entry) {
	if w.usage != nil {
		active, err := w.usage.IsActive(ctx, entry.DocumentID)
		if err != nil {
			w.logger.Warn("deletion: checking active usage failed", slog.String("document_id", entry.DocumentID), slog.Any("error", err))
		} else if active {
			w.logger.Info("deletion: skipping file in use", slog.String("document_id", entry.DocumentID))
			if merr := w.queue.MarkAttempted(ctx, entry.ID); merr != nil {
				w.logger.Warn("deletion: marking attempted failed", slog.String("id", entry.ID), slog.Any("error", merr))
			}
			return
		}
	}

	var errMsg string
	if origErr := w.deleteIfSet(entry.FilePath); origErr != nil {
		errMsg = fmt.Sprintf("deleting original file: %v", origErr)
	}
	if entry.CompressedFilePath != nil {
		if compErr := w.deleteIfSet(*entry.CompressedFilePath); compErr != nil {
			if errMsg != "" {
				errMsg += "; "
			}
			errMsg += fmt.Sprintf("deleting compressed file: %v", compErr)
		}
	}

	if errMsg == "" {
		if merr := w.queue.MarkCompleted(ctx, entry.ID); merr != nil {
			w.logger.Warn("deletion: marking completed failed", slog.String("id", entry.ID), slog.Any("error", merr))
		}
		w.logger.Info("deletion: deleted files", slog.String("document_id", entry.DocumentID))
		return
	}

	if merr := w.queue.MarkFailed(ctx, entry.ID, errMsg); merr != nil {
		w.logger.Warn("deletion: marking failed failed", slog.String("id", entry.ID), slog.Any("error", merr))
	}
	w.logger.Warn("deletion: failed to delete files", slog.String("document_id", entry.DocumentID), slog.String("error", errMsg))
}

func (w *Worker) deleteIfSet(path string) error {
	if path == "" {
		return nil
	}
	// storage.Store.Delete already treats a missing file as success, so
	// unlike the Rust original this needs no special-case ErrNotFound check.
	return w.storage.Delete(path)
}
