package syncsvc

import (
	"time"

	"github.com/fieldops/syncore/internal/changelog"
)

// PushPayload is the request body for PushChanges.
type PushPayload struct {
	BatchID    string                `json:"batch_id"`
	DeviceID   string                `json:"device_id"`
	UserID     string                `json:"user_id"`
	Changes    []changelog.Entry     `json:"changes"`
	Tombstones []changelog.Tombstone `json:"tombstones,omitempty"`
}

// PushResponse is the server's acknowledgement of a push.
type PushResponse struct {
	BatchID           string    `json:"batch_id"`
	ChangesAccepted   int       `json:"changes_accepted"`
	ChangesRejected   int       `json:"changes_rejected"`
	ConflictsDetected int       `json:"conflicts_detected"`
	ServerTimestamp   time.Time `json:"server_timestamp"`
}

// FetchChangesResponse is the server's response to GetChangesSince.
type FetchChangesResponse struct {
	BatchID         string                `json:"batch_id"`
	Changes         []changelog.Entry     `json:"changes"`
	Tombstones      []changelog.Tombstone `json:"tombstones,omitempty"`
	HasMore         bool                  `json:"has_more"`
	ServerTimestamp time.Time             `json:"server_timestamp"`
	NextBatchHint   *string               `json:"next_batch_hint,omitempty"`
}

// Stats summarizes one sync cycle (spec.md §3 SyncStats).
type Stats struct {
	TotalUploads         int
	TotalDownloads       int
	FailedUploads        int
	FailedDownloads      int
	ConflictsEncountered int
	BlobsUploaded        int
	BlobsDownloaded      int
	TotalBytesUploaded   int64
	TotalBytesDownloaded int64
	LastFullSync         *time.Time
}

func (s *Stats) add(other Stats) {
	s.TotalUploads += other.TotalUploads
	s.TotalDownloads += other.TotalDownloads
	s.FailedUploads += other.FailedUploads
	s.FailedDownloads += other.FailedDownloads
	s.ConflictsEncountered += other.ConflictsEncountered
	s.BlobsUploaded += other.BlobsUploaded
	s.BlobsDownloaded += other.BlobsDownloaded
	s.TotalBytesUploaded += other.TotalBytesUploaded
	s.TotalBytesDownloaded += other.TotalBytesDownloaded
}
