package worker_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/codec"
	"github.com/fieldops/syncore/internal/compression"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/store"
	"github.com/fieldops/syncore/internal/storage"
	"github.com/fieldops/syncore/internal/worker"
)

type noActiveUsage struct{}

func (noActiveUsage) IsActive(context.Context, string) (bool, error) { return false, nil }

type noopDeletions struct{}

func (noopDeletions) ScheduleDeletion(context.Context, string, string, *string, int64, string) error {
	return nil
}

func newTestDispatcher(t *testing.T) (*worker.Dispatcher, *compression.Queue, *document.Repository) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cl := changelog.New(s.DB(), nil)
	docs := document.New(s.DB(), cl, nil)
	q := compression.NewQueue(s.DB(), nil)

	st, err := storage.New(t.TempDir())
	require.NoError(t, err)

	registry := codec.NewRegistry(codec.GenericCodec{})
	svc := compression.NewService(q, docs, st, registry, noActiveUsage{}, noopDeletions{}, config.DefaultCompressionConfig(), nil)
	maint := compression.NewMaintenance(q, time.Hour, 7*24*time.Hour, 30*time.Minute, 24*time.Hour, 7*24*time.Hour, nil)

	cfg := config.DefaultWorkerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.MaintenanceInterval = time.Hour

	d := worker.New(q, docs, svc, maint, cfg, nil, nil)
	return d, q, docs
}

func TestEffectiveConcurrencyCapsAtZeroUnderCriticalThermal(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.UpdateIOSState(ctx, 0.9, true, worker.ThermalCritical, worker.AppActive, 1000))

	status, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.EffectiveMax)
	assert.True(t, status.Paused)
	assert.Equal(t, "Critical thermal state", status.PauseReason)
}

func TestSetPausedBlocksAdmission(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = d.Run(ctx) }()

	require.NoError(t, d.SetPaused(ctx, true, "manual"))
	started, err := d.ProcessNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, started)

	require.NoError(t, d.SetPaused(ctx, false, ""))
	status, err := d.GetStatus(ctx)
	require.NoError(t, err)
	assert.False(t, status.Paused)
}

func TestProcessNowStartsEligibleJob(t *testing.T) {
	d, q, docs := newTestDispatcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	doc, err := docs.Create(ctx, &document.Document{
		RelatedTable: "projects", RelatedID: strPtr("p1"), OriginalFilename: "a.txt",
		FilePath: "original/projects/p1/a.txt", SizeBytes: 10, MimeType: "text/plain",
	}, "user1", "deviceA")
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, doc.ID, 1)
	require.NoError(t, err)

	go func() { _ = d.Run(ctx) }()

	started, err := d.ProcessNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, started)
}

func TestShutdownStopsDispatcher(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ctx := context.Background()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(runCtx) }()

	require.NoError(t, d.Shutdown(ctx))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after Shutdown")
	}
}

func strPtr(s string) *string { return &s }
