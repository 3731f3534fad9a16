package compression

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fieldops/syncore/internal/codec"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/storage"
)

// Sentinel errors for compress_document's preconditions (spec.md §4.D).
// These are the "UI-level" and "validation error" outcomes the spec calls
// out individually; callers use errors.Is to branch on them.
var (
	ErrInUse              = errors.New("compression: document is in use")
	ErrSyncSourced        = errors.New("compression: sync-sourced documents are never locally compressed")
	ErrDocumentHasError    = errors.New("compression: document is in an error state")
	ErrAlreadyCompressed  = errors.New("compression: document is already compressed")
	ErrFileTooLarge       = errors.New("compression: file too large for compression")
	ErrBelowMinimumSize   = errors.New("compression: file below minimum size for compression")
	ErrStorageReadFailed  = errors.New("compression: storage read failed")
	ErrCodecOutputInvalid = errors.New("compression: codec output failed validation")
	ErrNotEffective       = errors.New("compression: compression would not reduce size significantly")
)

// persistRetryAttempts/persistRetryDelay govern the step-12 commit retry
// policy: up to 3 attempts, 100ms * n between them, retried on any error
// (not only database-locked ones).
const (
	persistRetryAttempts = 3
	persistRetryDelay    = 100 * time.Millisecond
)

// Result is returned from a successful compress_document call.
type Result struct {
	DocumentID          string
	OriginalSizeBytes   int64
	CompressedSizeBytes int64
	BytesSaved          int64
	PercentSaved        float64
	CompressedPath      string
	Method              string
	Quality             int
	ElapsedMillis       int64
}

// ActiveUsage reports whether a document is currently held open by the
// host application, implemented outside this package (spec.md §3
// ActiveFileUsageLease) — the Service only needs to ask.
type ActiveUsage interface {
	IsActive(ctx context.Context, documentID string) (bool, error)
}

// DeletionScheduler is the narrow dependency compress_document uses at
// step 15 to enqueue the original file's removal (implemented by
// internal/deletion, injected to avoid a compression -> deletion ->
// compression import cycle).
type DeletionScheduler interface {
	ScheduleDeletion(ctx context.Context, documentID, filePath string, compressedPath *string, gracePeriodSeconds int64, requestedBy string) error
}

// Service is the Compression Service (spec.md §4.D).
type Service struct {
	queue     *Queue
	documents *document.Repository
	storage   *storage.Store
	codecs    *codec.Registry
	usage     ActiveUsage
	deletions DeletionScheduler
	cfg       config.CompressionConfig
	clock     func() time.Time
}

// NewService builds a Service from its collaborators.
func NewService(
	queue *Queue,
	documents *document.Repository,
	store *storage.Store,
	codecs *codec.Registry,
	usage ActiveUsage,
	deletions DeletionScheduler,
	cfg config.CompressionConfig,
	clock func() time.Time,
) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		queue: queue, documents: documents, storage: store, codecs: codecs,
		usage: usage, deletions: deletions, cfg: cfg, clock: clock,
	}
}

// mimeDefaults resolves the config defaulting table by MIME type, falling
// back to "*" (spec.md §4.D step 4).
func (s *Service) mimeDefaults(mimeType string) config.MimeCompressionDefaults {
	if d, ok := s.cfg.Defaults[mimeType]; ok {
		return d
	}
	return s.cfg.Defaults["*"]
}

// effectivenessThreshold returns the per-MIME effectiveness gate ratio
// (spec.md §4.D step 10).
func effectivenessThreshold(mimeType string) float64 {
	switch mimeType {
	case "image/jpeg":
		return 0.98
	case "image/png":
		return 0.95
	case "application/pdf":
		return 0.90
	default:
		return 0.95
	}
}

// CompressDocument runs the full pipeline in spec.md §4.D. queueEntryID is
// the entry being worked, already transitioned to processing by
// NextForCompression; it is used to report the terminal queue status.
func (s *Service) CompressDocument(ctx context.Context, documentID, queueEntryID, requestedBy string) (*Result, error) {
	start := s.clock()

	active, err := s.usage.IsActive(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("compression: checking active usage for %s: %w", documentID, err)
	}
	if active {
		return nil, ErrInUse
	}

	doc, err := s.documents.GetActive(ctx, documentID)
	if errors.Is(err, document.ErrNotFound) {
		return nil, document.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("compression: loading document %s: %w", documentID, err)
	}

	if doc.SourceOfChange == document.SourceSync {
		return nil, ErrSyncSourced
	}
	if doc.HasError || doc.FilePath == "ERROR" {
		return nil, ErrDocumentHasError
	}
	if doc.CompressionStatus == document.CompressionCompleted {
		return nil, ErrAlreadyCompressed
	}

	// Step 3: clear any prior error and enter processing (spec.md §4.D).
	if err := s.documents.ClearCompressionErrorAndMarkProcessing(ctx, doc.ID); err != nil {
		return nil, fmt.Errorf("compression: clearing prior error for %s: %w", documentID, err)
	}

	defaults := s.mimeDefaults(doc.MimeType)

	size, err := s.storage.Size(doc.FilePath)
	if err == nil && int64(size) > s.cfg.MaxInMemoryCompressionBytes {
		return nil, s.terminalSkip(ctx, doc, queueEntryID, "file too large for compression", ErrFileTooLarge)
	}

	data, err := s.storage.Read(doc.FilePath)
	if err != nil {
		failType, failMsg := "storage_failure", err.Error()
		_ = s.documents.UpdateCompressionOutcome(ctx, doc.ID, document.CompressionFailed, nil, nil, true, &failType, &failMsg)
		return nil, fmt.Errorf("%w: %w", ErrStorageReadFailed, err)
	}

	if int64(len(data)) < defaults.MinSizeBytes {
		return nil, s.terminalSkip(ctx, doc, queueEntryID, "below minimum size for compression", ErrBelowMinimumSize)
	}

	ext := strings.TrimPrefix(filepath.Ext(doc.OriginalFilename), ".")
	c, ok := s.codecs.Select(doc.MimeType, ext)
	if !ok {
		return nil, s.terminalFail(ctx, doc, queueEntryID, "no codec available", fmt.Errorf("compression: no codec for mime %q ext %q", doc.MimeType, ext))
	}

	compressed, err := c.Compress(data, codec.Method(defaults.Method), defaults.Quality)
	minValidSize := max64(100, int64(len(data))/100)
	if err != nil || int64(len(compressed)) == 0 || int64(len(compressed)) < minValidSize {
		msg := "codec produced invalid output"
		if err != nil {
			msg = err.Error()
		}
		return nil, s.terminalFail(ctx, doc, queueEntryID, msg, ErrCodecOutputInvalid)
	}

	threshold := defaults.EffectivenessThreshold
	if threshold <= 0 {
		threshold = effectivenessThreshold(doc.MimeType)
	}
	if float64(len(compressed)) > threshold*float64(len(data)) {
		return nil, s.terminalSkip(ctx, doc, queueEntryID, "would not reduce significantly", ErrNotEffective)
	}

	entityType := doc.RelatedTable
	relatedOrTemp := doc.RelatedID
	if relatedOrTemp == nil {
		relatedOrTemp = doc.TempRelatedID
	}
	stem := strings.TrimSuffix(doc.OriginalFilename, filepath.Ext(doc.OriginalFilename))
	compressedFilename := fmt.Sprintf("%s_compressed%s", stem, filepath.Ext(doc.OriginalFilename))

	compressedPath, compressedSize, err := s.storage.SaveCompressed(compressed, entityType, *relatedOrTemp, compressedFilename)
	if err != nil {
		return nil, s.terminalFail(ctx, doc, queueEntryID, err.Error(), fmt.Errorf("compression: persisting compressed file: %w", err))
	}

	if err := s.retryingPersistCompleted(ctx, doc.ID, compressedPath, compressedSize); err != nil {
		return nil, fmt.Errorf("compression: committing document state for %s: %w", doc.ID, err)
	}

	// Best-effort from here: queue completion, stats, deferred deletion
	// scheduling never fail the overall operation (spec.md §4.D steps
	// 13-15).
	_ = s.queue.UpdateStatus(ctx, queueEntryID, StatusCompleted, nil)
	_ = s.queue.UpdateStatsAfterCompression(ctx, nil, int64(len(data)), compressedSize)
	s.scheduleDeferredDeletion(ctx, doc, compressedPath, requestedBy)

	saved := int64(len(data)) - compressedSize
	percent := 0.0
	if len(data) > 0 {
		percent = float64(saved) / float64(len(data)) * 100
	}

	return &Result{
		DocumentID:          doc.ID,
		OriginalSizeBytes:   int64(len(data)),
		CompressedSizeBytes: compressedSize,
		BytesSaved:          saved,
		PercentSaved:        percent,
		CompressedPath:      compressedPath,
		Method:              defaults.Method,
		Quality:             defaults.Quality,
		ElapsedMillis:       s.clock().Sub(start).Milliseconds(),
	}, nil
}

func (s *Service) retryingPersistCompleted(ctx context.Context, documentID, compressedPath string, compressedSize int64) error {
	var lastErr error
	for attempt := 1; attempt <= persistRetryAttempts; attempt++ {
		err := s.documents.UpdateCompressionOutcome(ctx, documentID, document.CompressionCompleted, &compressedPath, &compressedSize, false, nil, nil)
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(persistRetryDelay * time.Duration(attempt))
	}
	return lastErr
}

// terminalSkip marks the document skipped (spec.md §4.D steps 5, 7, 10). A
// skip records its reason in error_message but is not an error: has_error
// stays false so a later compress_document attempt remains eligible
// (spec.md §3 treats compression-status=skipped and the error flag as
// independent axes).
func (s *Service) terminalSkip(ctx context.Context, doc *document.Document, queueEntryID, reason string, sentinel error) error {
	msg := reason
	_ = s.documents.UpdateCompressionOutcome(ctx, doc.ID, document.CompressionSkipped, nil, nil, false, nil, &msg)
	_ = s.queue.UpdateStatus(ctx, queueEntryID, StatusSkipped, &msg)
	_ = s.queue.UpdateStatsForSkipped(ctx, nil)
	return sentinel
}

// terminalFail marks the document and queue entry failed (spec.md §4.D
// steps 9, 11, and a missing codec). A storage read failure (step 6) does
// not come through here: CompressDocument marks only the document failed.
func (s *Service) terminalFail(ctx context.Context, doc *document.Document, queueEntryID, reason string, wrapped error) error {
	errType := "compression_failure"
	msg := reason
	_ = s.documents.UpdateCompressionOutcome(ctx, doc.ID, document.CompressionFailed, nil, nil, true, &errType, &msg)
	_ = s.queue.UpdateStatus(ctx, queueEntryID, StatusFailed, &msg)
	_ = s.queue.UpdateStatsForFailed(ctx, nil)
	return wrapped
}

// deferredDeletionGracePeriodSeconds is the fixed grace period from
// spec.md §4.D's deferred-deletion sub-policy.
const deferredDeletionGracePeriodSeconds = 86400

// scheduleDeferredDeletion is the step-15 sub-policy: verify the compressed
// file exists and is non-empty, then enqueue removal of the original. Never
// fails the overall compression operation (spec.md §4.D).
func (s *Service) scheduleDeferredDeletion(ctx context.Context, doc *document.Document, compressedPath, requestedBy string) {
	exists, err := s.storage.Exists(compressedPath)
	if err != nil || !exists {
		return
	}
	_ = s.deletions.ScheduleDeletion(ctx, doc.ID, doc.FilePath, nil, deferredDeletionGracePeriodSeconds, requestedBy)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
