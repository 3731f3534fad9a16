package compression_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/syncore/internal/changelog"
	"github.com/fieldops/syncore/internal/codec"
	"github.com/fieldops/syncore/internal/compression"
	"github.com/fieldops/syncore/internal/config"
	"github.com/fieldops/syncore/internal/document"
	"github.com/fieldops/syncore/internal/storage"
)

type fakeUsage struct{ active bool }

func (f fakeUsage) IsActive(context.Context, string) (bool, error) { return f.active, nil }

type fakeDeletions struct{ calls int }

func (f *fakeDeletions) ScheduleDeletion(context.Context, string, string, *string, int64, string) error {
	f.calls++
	return nil
}

func newJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func setupService(t *testing.T, usage compression.ActiveUsage, deletions compression.DeletionScheduler) (*compression.Service, *compression.Queue, *document.Repository, *storage.Store) {
	t.Helper()
	s := openTest(t)
	cl := changelog.New(s.DB(), nil)
	docs := document.New(s.DB(), cl, nil)
	q := compression.NewQueue(s.DB(), nil)

	store, err := storage.New(t.TempDir())
	require.NoError(t, err)

	registry := codec.NewRegistry(codec.ImageCodec{}, codec.PDFCodec{}, codec.OfficeCodec{}, codec.VideoCodec{}, codec.GenericCodec{})
	cfg := config.DefaultCompressionConfig()

	svc := compression.NewService(q, docs, store, registry, usage, deletions, cfg, nil)
	return svc, q, docs, store
}

func TestCompressDocumentFailsWhenInUse(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{active: true}, &fakeDeletions{})

	data := newJPEG(t, 64, 64)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	assert.ErrorIs(t, err, compression.ErrInUse)
}

func TestCompressDocumentSkipsSyncSourced(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{}, &fakeDeletions{})

	data := newJPEG(t, 64, 64)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg", SourceOfChange: document.SourceSync,
	}, "user1", "deviceA")
	require.NoError(t, err)

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	assert.ErrorIs(t, err, compression.ErrSyncSourced)
}

func TestCompressDocumentSuccessSchedulesDeletion(t *testing.T) {
	deletions := &fakeDeletions{}
	svc, _, docs, store := setupService(t, fakeUsage{}, deletions)

	data := newJPEG(t, 256, 256)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	result, err := svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, result.DocumentID)
	assert.Equal(t, 1, deletions.calls)

	updated, err := docs.GetActive(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.CompressionCompleted, updated.CompressionStatus)
	require.NotNil(t, updated.CompressedFilePath)
}

func TestCompressDocumentAlreadyCompressedFails(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{}, &fakeDeletions{})

	data := newJPEG(t, 64, 64)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	compressedPath := "compressed/projects/p1/photo_compressed.jpg"
	compressedSize := int64(10)
	require.NoError(t, docs.UpdateCompressionOutcome(context.Background(), doc.ID, document.CompressionCompleted, &compressedPath, &compressedSize, false, nil, nil))

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	assert.ErrorIs(t, err, compression.ErrAlreadyCompressed)
}

func TestCompressDocumentSkipBelowMinimumSizeDoesNotSetHasError(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{}, &fakeDeletions{})

	data := newJPEG(t, 8, 8) // well under the 5KiB jpeg minimum
	path, size, err := store.Save(data, "projects", "p1", "tiny.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "tiny.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	assert.ErrorIs(t, err, compression.ErrBelowMinimumSize)

	updated, err := docs.GetActive(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, document.CompressionSkipped, updated.CompressionStatus)
	assert.False(t, updated.HasError, "a skip must not raise has_error")
	require.NotNil(t, updated.ErrorMessage)
}

func TestCompressDocumentRejectsDocumentWithPriorError(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{}, &fakeDeletions{})

	data := newJPEG(t, 256, 256)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	errType, errMsg := "compression_failure", "codec produced invalid output"
	require.NoError(t, docs.UpdateCompressionOutcome(context.Background(), doc.ID, document.CompressionFailed, nil, nil, true, &errType, &errMsg))

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	assert.ErrorIs(t, err, compression.ErrDocumentHasError)
}

// TestCompressDocumentSucceedsAfterRetryPathClearsError exercises the
// reset_stuck_jobs retry path (internal/compression/maintenance.go): once
// the document's error state is cleared the way ResetStuckJobs clears it,
// compress_document's eligibility check lets the retried document through.
func TestCompressDocumentSucceedsAfterRetryPathClearsError(t *testing.T) {
	svc, _, docs, store := setupService(t, fakeUsage{}, &fakeDeletions{})

	data := newJPEG(t, 256, 256)
	path, size, err := store.Save(data, "projects", "p1", "photo.jpg")
	require.NoError(t, err)

	related := "p1"
	doc, err := docs.Create(context.Background(), &document.Document{
		RelatedTable: "projects", RelatedID: &related, OriginalFilename: "photo.jpg",
		FilePath: path, SizeBytes: size, MimeType: "image/jpeg",
	}, "user1", "deviceA")
	require.NoError(t, err)

	errType, errMsg := "storage_failure", "transient read error"
	require.NoError(t, docs.UpdateCompressionOutcome(context.Background(), doc.ID, document.CompressionFailed, nil, nil, true, &errType, &errMsg))

	_, err = svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	require.ErrorIs(t, err, compression.ErrDocumentHasError)

	require.NoError(t, docs.ClearCompressionErrorAndMarkProcessing(context.Background(), doc.ID))

	result, err := svc.CompressDocument(context.Background(), doc.ID, "entry1", "user1")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, result.DocumentID)
}
