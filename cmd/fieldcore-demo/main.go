// fieldcore-demo wires every module of the core together against a local
// SQLite database and a temp-directory blob store, the way the teacher's
// cmd/integration-bootstrap wires a single login flow: no flags, no
// subcommands, just enough plumbing to exercise the whole stack end to
// end (enqueue a document, run one compression pass, run one sync cycle,
// run one deletion sweep) and print what happened.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/clockutil"
	"github.com/fieldops/syncore/internal/codec"
	"github.com/fieldops/syncore/internal/compression"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/deletion"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/merge"
	"github.com/fieldops/syncore/internal/metrics"
	"github.com/fieldops/syncore/internal/storage"
	"github.com/fieldops/syncore/internal/store"
	"github.com/fieldops/syncore/internal/syncsvc"
	"github.com/fieldops/syncore/internal/worker"
)

const (
	demoUserID   = "demo-user"
	demoDeviceID = "demo-device"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	if err := run(ctx, logger); err != nil {
		logger.Error("demo failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	dbDir, err := os.MkdirTemp("", "fieldcore-demo-db")
	if err != nil {
		return fmt.Errorf("creating db dir: %w", err)
	}
	defer os.RemoveAll(dbDir)

	blobDir, err := os.MkdirTemp("", "fieldcore-demo-blobs")
	if err != nil {
		return fmt.Errorf("creating blob dir: %w", err)
	}
	defer os.RemoveAll(blobDir)

	st, err := store.Open(ctx, dbDir+"/fieldcore.db", logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	blobs, err := storage.New(blobDir)
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}

	cfg := config.DefaultConfig()
	reg := metrics.New()

	cl := changelog.New(st.DB(), time.Now)
	documents := document.New(st.DB(), cl, time.Now)
	usage := document.NewActiveUsageRepository(st.DB(), cfg.Compression.ActiveLeaseWindow, time.Now)
	deletionQueue := deletion.New(st.DB(), time.Now)

	mergeRegistry := merge.NewDefaultRegistry(st.DB(), deletionQueue, int64(cfg.Deletion.DefaultGracePeriod.Seconds()), time.Now, logger)

	queue := compression.NewQueue(st.DB(), time.Now)
	codecs := codec.NewRegistry(codec.ImageCodec{}, codec.PDFCodec{}, codec.OfficeCodec{}, codec.VideoCodec{}, codec.GenericCodec{})
	compressionSvc := compression.NewService(queue, documents, blobs, codecs, usage, deletionQueue, cfg.Compression, time.Now)
	maintenance := compression.NewMaintenance(queue,
		cfg.Compression.StaleProcessingTimeout, cfg.Compression.FailedTerminalAfter,
		cfg.Compression.QueueStuckProcessingTimeout, cfg.Compression.QueueFailedRetryWindow,
		cfg.Compression.QueueFailedPurgeAfter, time.Now)

	dispatcher := worker.New(queue, documents, compressionSvc, maintenance, cfg.Worker, clockutil.System{}, logger)

	batches := syncsvc.NewBatchRepository(st.DB(), time.Now)
	transport := syncsvc.NewHTTPTransport("https://sync.example.invalid", "demo-token", http.DefaultClient, logger)
	syncService := syncsvc.New(st.DB(), cl, batches, documents, mergeRegistry, blobs, transport, cfg.Sync, demoDeviceID, demoUserID, time.Now, logger)

	deletionWorker := deletion.NewWorker(deletionQueue, blobs, usage, cfg.Deletion, time.Now, logger)

	dispatcherCtx, stopDispatcher := context.WithCancel(ctx)
	dispatcherDone := make(chan error, 1)
	go func() { dispatcherDone <- dispatcher.Run(dispatcherCtx) }()
	defer func() {
		if err := dispatcher.Shutdown(ctx); err != nil {
			logger.Warn("dispatcher shutdown reported an error", slog.Any("error", err))
		}
		stopDispatcher()
		<-dispatcherDone
	}()

	doc, err := seedDocument(ctx, documents, blobs, queue)
	if err != nil {
		return fmt.Errorf("seeding demo document: %w", err)
	}
	logger.Info("seeded document", slog.String("id", doc.ID), slog.Int64("size_bytes", doc.SizeBytes))

	started, err := dispatcher.ProcessNow(ctx)
	if err != nil {
		return fmt.Errorf("running compression pass: %w", err)
	}
	logger.Info("compression pass started", slog.Int("jobs_started", started))
	time.Sleep(200 * time.Millisecond) // let the one job finish; this is a demo, not a test

	status, err := dispatcher.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading worker status: %w", err)
	}
	reg.SetWorkerStatus(status.Active, status.Max, status.EffectiveMax, status.Paused)

	qstatus, err := queue.GetQueueStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading queue status: %w", err)
	}
	reg.SetQueueDepth(qstatus.Pending, qstatus.Processing, qstatus.Completed, qstatus.Skipped, qstatus.Failed)
	logger.Info("queue status", slog.Int64("pending", qstatus.Pending), slog.Int64("completed", qstatus.Completed))

	syncStart := time.Now()
	stats, syncErr := syncService.Sync(ctx)
	reg.RecordSyncBatch("push", outcomeLabel(syncErr), time.Since(syncStart))
	reg.RecordSyncConflicts(stats.ConflictsEncountered)
	if syncErr != nil {
		// The remote endpoint above is not real; a demo run is expected to
		// fail the network leg while still exercising the whole push path
		// up to the transport call.
		logger.Warn("sync cycle did not reach a real server (expected in this demo)", slog.Any("error", syncErr))
	} else {
		logger.Info("sync cycle complete", slog.Int("uploads", stats.TotalUploads), slog.Int("downloads", stats.TotalDownloads))
	}

	if err := deletionWorker.ProcessOnce(ctx); err != nil {
		return fmt.Errorf("running deletion sweep: %w", err)
	}
	due, err := deletionQueue.FindDue(ctx, 100)
	if err != nil {
		return fmt.Errorf("reading deletion queue: %w", err)
	}
	reg.SetDeletionQueueDepth(len(due))
	logger.Info("deletion sweep complete", slog.Int("still_pending", len(due)))

	logger.Info("demo finished; metrics endpoint wired but not served in this process",
		slog.String("handler_type", fmt.Sprintf("%T", reg.Handler())))
	return nil
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

// seedDocument creates one project and one document referencing it, with
// the document's original file already written to the blob store.
func seedDocument(ctx context.Context, documents *document.Repository, blobs *storage.Store, queue *compression.Queue) (*document.Document, error) {
	relPath, size, err := blobs.Save(make([]byte, 64*1024), "projects", "demo-project", "site-photo.jpg")
	if err != nil {
		return nil, err
	}

	doc := &document.Document{
		RelatedTable:     "projects",
		TempRelatedID:    nil,
		RelatedID:        strPtr("demo-project"),
		OriginalFilename: "site-photo.jpg",
		FilePath:         relPath,
		SizeBytes:        size,
		MimeType:         "image/jpeg",
		SyncPriority:     document.PriorityNormal,
		SourceOfChange:   document.SourceLocal,
	}

	created, err := documents.Create(ctx, doc, demoUserID, demoDeviceID)
	if err != nil {
		return nil, err
	}

	if _, err := queue.Enqueue(ctx, created.ID, 1); err != nil {
		return nil, err
	}

	return created, nil
}

func strPtr(s string) *string { return &s }
