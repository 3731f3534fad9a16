// Package syncsvc implements the Sync Service (spec.md §4.H): the push/pull
// cycle that replicates the local change log and tombstones to a remote
// server, applies the server's changes through the Entity Merger, and moves
// document blobs in and out of local storage. Grounded on the original
// Rust SyncServiceImpl's push_changes/pull_changes/upload_document_if_needed
// (original_source/src/domains/sync/service.rs) and its transport contract
// (original_source/src/domains/sync/cloud_storage.rs).
package syncsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jmoiron/sqlx"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/merge"
	"github.com/fieldops/syncore/internal/storage"
)

// Service is the Sync Service. One Service serves one local device/user
// pair; the host constructs one per signed-in user.
type Service struct {
	db          *sqlx.DB
	changelog   *changelog.Repository
	batches     *BatchRepository
	documents   *document.Repository
	registry    *merge.Registry
	storage     *storage.Store
	transport   Transport
	cfg         config.SyncConfig
	deviceID    string
	userID      string
	uploadSem   *semaphore.Weighted
	downloadSem *semaphore.Weighted
	clock       func() time.Time
	logger      *slog.Logger
}

// New builds a Service. db is the shared connection (store.Store.DB()),
// used only to stamp processed/pushed markers inside a short transaction
// after a successful push. clock defaults to time.Now, logger to
// slog.Default.
func New(
	db *sqlx.DB,
	cl *changelog.Repository,
	batches *BatchRepository,
	documents *document.Repository,
	registry *merge.Registry,
	store *storage.Store,
	transport Transport,
	cfg config.SyncConfig,
	deviceID, userID string,
	clock func() time.Time,
	logger *slog.Logger,
) *Service {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	concurrentUploads := cfg.ConcurrentUploads
	if concurrentUploads <= 0 {
		concurrentUploads = 3
	}
	concurrentDownloads := cfg.ConcurrentDownloads
	if concurrentDownloads <= 0 {
		concurrentDownloads = 3
	}
	return &Service{
		db: db, changelog: cl, batches: batches, documents: documents, registry: registry,
		storage: store, transport: transport, cfg: cfg, deviceID: deviceID, userID: userID,
		uploadSem:   semaphore.NewWeighted(int64(concurrentUploads)),
		downloadSem: semaphore.NewWeighted(int64(concurrentDownloads)),
		clock:       clock, logger: logger,
	}
}

func (s *Service) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("syncsvc: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Sync runs one full push-then-pull cycle and returns the cycle's Stats.
// An offline-mode device short-circuits both halves without touching the
// transport at all (spec.md §4.H).
func (s *Service) Sync(ctx context.Context) (Stats, error) {
	cfg, err := s.batches.GetSyncConfig(ctx, s.userID)
	if err != nil {
		return Stats{}, fmt.Errorf("syncsvc: loading device config: %w", err)
	}
	if cfg.OfflineMode {
		return Stats{}, ErrOffline
	}

	var total Stats

	pushStats, err := s.Push(ctx)
	total.add(pushStats)
	if err != nil {
		return total, fmt.Errorf("syncsvc: push phase: %w", err)
	}

	pullStats, err := s.Pull(ctx, cfg.LastServerToken)
	total.add(pullStats)
	if err != nil {
		return total, fmt.Errorf("syncsvc: pull phase: %w", err)
	}

	now := s.clock()
	total.LastFullSync = &now
	return total, nil
}

// Push uploads up to cfg.MaxChangesPerPush unprocessed change-log entries
// and up to cfg.MaxTombstonesPerPush unpushed tombstones in one batch, then
// uploads any pending document blobs (spec.md §4.H push_changes).
func (s *Service) Push(ctx context.Context) (Stats, error) {
	var stats Stats

	changes, err := s.changelog.FindUnprocessedChangesByPriority(ctx, s.cfg.MaxChangesPerPush)
	if err != nil {
		return stats, fmt.Errorf("syncsvc: loading unprocessed changes: %w", err)
	}
	tombstones, err := s.changelog.FindUnpushedTombstones(ctx, s.cfg.MaxTombstonesPerPush)
	if err != nil {
		return stats, fmt.Errorf("syncsvc: loading unpushed tombstones: %w", err)
	}

	if len(changes) == 0 && len(tombstones) == 0 {
		return stats, s.pushPendingBlobs(ctx, &stats)
	}

	batch, err := s.batches.CreateBatch(ctx, DirectionPush, len(changes)+len(tombstones))
	if err != nil {
		return stats, err
	}

	resp, err := s.transport.PushChanges(ctx, PushPayload{
		BatchID: batch.ID, DeviceID: s.deviceID, UserID: s.userID,
		Changes: changes, Tombstones: tombstones,
	})
	if err != nil {
		msg := err.Error()
		_ = s.batches.Finalize(ctx, batch.ID, BatchFailed, &msg)
		stats.FailedUploads += len(changes)
		return stats, err
	}

	now := s.clock()
	markErr := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, c := range changes {
			if merr := s.changelog.MarkAsProcessed(ctx, tx, c.OperationID, batch.ID, now); merr != nil {
				return merr
			}
		}
		for _, tmb := range tombstones {
			if merr := s.changelog.MarkAsPushed(ctx, tx, tmb.ID, batch.ID, now); merr != nil {
				return merr
			}
		}
		return nil
	})
	if markErr != nil {
		s.logger.Warn("syncsvc: stamping push batch markers failed", slog.String("batch_id", batch.ID), slog.Any("error", markErr))
	}

	stats.TotalUploads = resp.ChangesAccepted
	stats.FailedUploads = resp.ChangesRejected
	stats.ConflictsEncountered = resp.ConflictsDetected

	if err := s.batches.Finalize(ctx, batch.ID, BatchCompleted, nil); err != nil {
		s.logger.Warn("syncsvc: finalizing push batch failed", slog.String("batch_id", batch.ID), slog.Any("error", err))
	}

	if err := s.pushPendingBlobs(ctx, &stats); err != nil {
		return stats, err
	}
	return stats, nil
}

// Pull fetches the server's changes since the last known token, applies
// each through the Entity Merger, downloads any referenced blobs, and
// advances the stored token (spec.md §4.H pull_changes).
func (s *Service) Pull(ctx context.Context, sinceToken *string) (Stats, error) {
	var stats Stats

	resp, err := s.transport.GetChangesSince(ctx, s.deviceID, sinceToken)
	if err != nil {
		return stats, err
	}

	batch, err := s.batches.CreateBatch(ctx, DirectionPull, len(resp.Changes)+len(resp.Tombstones))
	if err != nil {
		return stats, err
	}

	result := s.registry.ApplyBatch(ctx, resp.Changes, resp.Tombstones, s.deviceID)
	for _, outcome := range result.ChangeOutcomes {
		if outcome.Kind == merge.OutcomeConflict {
			stats.ConflictsEncountered++
		}
	}
	for _, e := range result.Errors {
		s.logger.Warn("syncsvc: applying remote change failed", slog.Any("error", e))
	}
	stats.TotalDownloads = len(resp.Changes) + len(resp.Tombstones) - len(result.Errors)
	stats.FailedDownloads = len(result.Errors)

	finalizeStatus := BatchCompleted
	if len(result.Errors) > 0 {
		finalizeStatus = BatchFailed
	}
	if err := s.batches.Finalize(ctx, batch.ID, finalizeStatus, nil); err != nil {
		s.logger.Warn("syncsvc: finalizing pull batch failed", slog.String("batch_id", batch.ID), slog.Any("error", err))
	}

	if resp.ServerTimestamp.IsZero() {
		return stats, nil
	}
	token := resp.ServerTimestamp.UTC().Format(time.RFC3339Nano)
	if err := s.batches.UpdateLastServerToken(ctx, s.userID, token); err != nil {
		s.logger.Warn("syncsvc: updating server token failed", slog.Any("error", err))
	}

	if err := s.pullPendingBlobs(ctx, resp.Changes, &stats); err != nil {
		return stats, err
	}

	return stats, nil
}

// pushPendingBlobs uploads every document whose blob_sync_status is still
// pending. Each upload holds the upload semaphore (sized from
// ConcurrentUploads, default 3) while it runs; the uploads run one at a
// time. Upload path selection prefers the compressed file when compression
// has completed, falling back to the original.
func (s *Service) pushPendingBlobs(ctx context.Context, stats *Stats) error {
	docs, err := s.documents.FindPendingBlobUploads(ctx, 50)
	if err != nil {
		return fmt.Errorf("syncsvc: listing pending blob uploads: %w", err)
	}

	for _, doc := range docs {
		doc := doc
		if err := s.uploadSem.Acquire(ctx, 1); err != nil {
			return err
		}
		s.uploadOne(ctx, doc, stats)
		s.uploadSem.Release(1)
	}
	return nil
}

func (s *Service) uploadOne(ctx context.Context, doc *document.Document, stats *Stats) {
	path := doc.FilePath
	if doc.CompressionStatus == document.CompressionCompleted && doc.CompressedFilePath != nil {
		path = *doc.CompressedFilePath
	}

	data, err := s.storage.Read(path)
	if err != nil {
		s.logger.Warn("syncsvc: reading blob for upload failed", slog.String("document_id", doc.ID), slog.Any("error", err))
		stats.FailedUploads++
		_ = s.documents.UpdateBlobSyncStatus(ctx, doc.ID, document.BlobFailed, nil)
		return
	}

	blobKey, err := s.transport.UploadDocument(ctx, doc.ID, s.deviceID, path, doc.MimeType, data)
	if err != nil {
		s.logger.Warn("syncsvc: uploading blob failed", slog.String("document_id", doc.ID), slog.Any("error", err))
		stats.FailedUploads++
		_ = s.documents.UpdateBlobSyncStatus(ctx, doc.ID, document.BlobFailed, nil)
		return
	}

	if err := s.documents.UpdateBlobSyncStatus(ctx, doc.ID, document.BlobSynced, &blobKey); err != nil {
		s.logger.Warn("syncsvc: stamping blob synced failed", slog.String("document_id", doc.ID), slog.Any("error", err))
	}
	stats.BlobsUploaded++
	stats.TotalBytesUploaded += int64(len(data))
}

// pullPendingBlobs downloads blobs for documents newly materialized by this
// pull's changes. Each download holds the download semaphore (sized from
// ConcurrentDownloads, default 3) while it runs; the downloads run one at a
// time.
func (s *Service) pullPendingBlobs(ctx context.Context, changes []changelog.Entry, stats *Stats) error {
	seen := make(map[string]bool)
	for _, c := range changes {
		if c.EntityTable != "media_documents" || c.OperationType != changelog.OpCreate || seen[c.EntityID] {
			continue
		}
		seen[c.EntityID] = true

		doc, err := s.documents.Get(ctx, c.EntityID)
		if err != nil {
			if errors.Is(err, document.ErrNotFound) {
				continue
			}
			return fmt.Errorf("syncsvc: loading document %s for download: %w", c.EntityID, err)
		}
		if doc.BlobKey == nil {
			continue
		}

		if err := s.downloadSem.Acquire(ctx, 1); err != nil {
			return err
		}
		s.downloadOne(ctx, doc, stats)
		s.downloadSem.Release(1)
	}
	return nil
}

func (s *Service) downloadOne(ctx context.Context, doc *document.Document, stats *Stats) {
	data, _, err := s.transport.DownloadDocument(ctx, doc.ID, *doc.BlobKey)
	if err != nil {
		s.logger.Warn("syncsvc: downloading blob failed", slog.String("document_id", doc.ID), slog.Any("error", err))
		stats.FailedDownloads++
		return
	}

	if _, _, err := s.storage.Save(data, doc.RelatedTable, doc.ID, doc.OriginalFilename); err != nil {
		s.logger.Warn("syncsvc: saving downloaded blob failed", slog.String("document_id", doc.ID), slog.Any("error", err))
		stats.FailedDownloads++
		return
	}

	stats.BlobsDownloaded++
	stats.TotalBytesDownloaded += int64(len(data))
}
