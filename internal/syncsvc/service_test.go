package syncsvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/merge"
	"github.com/fieldops/syncore/internal/storage"
	"github.com/fieldops/syncore/internal/store"
	"github.com/fieldops/syncore/internal/syncsvc"
)

type fakeTransport struct {
	pushResp     syncsvc.PushResponse
	pushErr      error
	fetchResp    syncsvc.FetchChangesResponse
	fetchErr     error
	uploadedKey  string
	uploadErr    error
	downloadData []byte
	downloadErr  error
	pushCalls    int
}

func (f *fakeTransport) GetChangesSince(_ context.Context, _ string, _ *string) (syncsvc.FetchChangesResponse, error) {
	return f.fetchResp, f.fetchErr
}

func (f *fakeTransport) PushChanges(_ context.Context, _ syncsvc.PushPayload) (syncsvc.PushResponse, error) {
	f.pushCalls++
	return f.pushResp, f.pushErr
}

func (f *fakeTransport) UploadDocument(_ context.Context, _, _, _, _ string, _ []byte) (string, error) {
	return f.uploadedKey, f.uploadErr
}

func (f *fakeTransport) DownloadDocument(_ context.Context, _, _ string) ([]byte, string, error) {
	return f.downloadData, "", f.downloadErr
}

var _ syncsvc.Transport = (*fakeTransport)(nil)

func newHarness(t *testing.T) (*store.Store, *document.Repository, *changelog.Repository, *syncsvc.BatchRepository, *storage.Store) {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	cl := changelog.New(s.DB(), nil)
	docs := document.New(s.DB(), cl, nil)
	batches := syncsvc.NewBatchRepository(s.DB(), nil)

	root := t.TempDir()
	blobs, err := storage.New(root)
	require.NoError(t, err)

	return s, docs, cl, batches, blobs
}

func newProjectsRegistry(s *store.Store) *merge.Registry {
	r := merge.NewRegistry(s.DB())
	r.Register("projects", merge.NewGenericTableMerger("projects", []merge.FieldSpec{
		{JSONKey: "Name", Column: "name"},
	}, nil))
	return r
}

func TestSyncOfflineModeShortCircuits(t *testing.T) {
	s, docs, cl, batches, blobs := newHarness(t)
	require.NoError(t, batches.UpsertSyncConfig(context.Background(), syncsvc.SyncDeviceConfig{
		UserID: "user1", OfflineMode: true,
	}))

	registry := newProjectsRegistry(s)
	transport := &fakeTransport{}
	svc := syncsvc.New(s.DB(), cl, batches, docs, registry, blobs, transport,
		config.DefaultSyncConfig(), "deviceA", "user1", nil, nil)

	_, err := svc.Sync(context.Background())
	assert.ErrorIs(t, err, syncsvc.ErrOffline)
	assert.Equal(t, 0, transport.pushCalls)
}

func TestPushWithNoLocalChangesSkipsTransport(t *testing.T) {
	s, docs, cl, batches, blobs := newHarness(t)
	registry := newProjectsRegistry(s)
	transport := &fakeTransport{}
	svc := syncsvc.New(s.DB(), cl, batches, docs, registry, blobs, transport,
		config.DefaultSyncConfig(), "deviceA", "user1", nil, nil)

	stats, err := svc.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, transport.pushCalls)
	assert.Equal(t, 0, stats.TotalUploads)
}

func TestPushMarksChangesProcessedOnSuccess(t *testing.T) {
	s, docs, cl, batches, blobs := newHarness(t)

	_, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: strPtr("p1"),
		OriginalFilename: "a.txt", FilePath: "original/projects/p1/a.txt",
		SizeBytes: 10, MimeType: "text/plain",
	}, "user1", "deviceA")
	require.NoError(t, err)

	registry := newProjectsRegistry(s)
	transport := &fakeTransport{pushResp: syncsvc.PushResponse{
		BatchID: "srv-batch", ChangesAccepted: 1, ServerTimestamp: time.Now(),
	}}
	svc := syncsvc.New(s.DB(), cl, batches, docs, registry, blobs, transport,
		config.DefaultSyncConfig(), "deviceA", "user1", nil, nil)

	stats, err := svc.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, transport.pushCalls)
	assert.Equal(t, 1, stats.TotalUploads)

	entries, err := cl.FindUnprocessedChangesByPriority(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPullAppliesRemoteChangesThroughMerger(t *testing.T) {
	s, docs, cl, batches, blobs := newHarness(t)

	_, err := s.DB().Exec(`
		INSERT INTO projects (id, name, created_at, updated_at)
		VALUES ('p1', 'Alpha', ?, ?)`,
		time.Now().UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)

	registry := newProjectsRegistry(s)

	newVal := "Beta"
	field := "name"
	transport := &fakeTransport{fetchResp: syncsvc.FetchChangesResponse{
		BatchID: "srv-1",
		Changes: []changelog.Entry{{
			OperationID: "remote-op-1", EntityTable: "projects", EntityID: "p1",
			OperationType: changelog.OpUpdate, FieldName: &field, NewValue: &newVal,
			Timestamp: time.Now().Add(time.Hour), UserID: "user2", DeviceID: "deviceB",
		}},
		ServerTimestamp: time.Now(),
	}}
	svc := syncsvc.New(s.DB(), cl, batches, docs, registry, blobs, transport,
		config.DefaultSyncConfig(), "deviceA", "user1", nil, nil)

	stats, err := svc.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDownloads)
	assert.Equal(t, 0, stats.FailedDownloads)

	var name string
	require.NoError(t, s.DB().Get(&name, `SELECT name FROM projects WHERE id = 'p1'`))
	assert.Equal(t, "Beta", name)

	cfg, err := batches.GetSyncConfig(context.Background(), "user1")
	require.NoError(t, err)
	require.NotNil(t, cfg.LastServerToken)
}

func strPtr(s string) *string { return &s }
