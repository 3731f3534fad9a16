// Package document defines the Document and DocumentType entities that bind
// the storage, compression, change-log, and sync subsystems together, plus
// the repository that persists them (spec.md §3, §4.J).
package document

import "time"

// CompressionStatus is the first of a document's two independent lifecycle
// axes (spec.md §3 Document Invariants).
type CompressionStatus string

// Compression statuses, matching the teacher's lower-snake-case column
// convention rather than the original Rust domain's SHOUT_CASE strings.
const (
	CompressionPending    CompressionStatus = "pending"
	CompressionProcessing CompressionStatus = "processing"
	CompressionCompleted  CompressionStatus = "completed"
	CompressionSkipped    CompressionStatus = "skipped"
	CompressionFailed     CompressionStatus = "failed"
)

// BlobSyncStatus is the second lifecycle axis, independent of compression.
type BlobSyncStatus string

const (
	BlobPending    BlobSyncStatus = "pending"
	BlobInProgress BlobSyncStatus = "in_progress"
	BlobSynced     BlobSyncStatus = "synced"
	BlobFailed     BlobSyncStatus = "failed"
)

// SyncPriority governs transfer ordering in the Sync Service (component H).
type SyncPriority string

const (
	PriorityHigh   SyncPriority = "high"
	PriorityNormal SyncPriority = "normal"
	PriorityLow    SyncPriority = "low"
	PriorityNever  SyncPriority = "never"
)

// SourceOfChange records whether a row was created locally or materialized
// by an incoming sync pull. A document with SourceSync is never eligible
// for local compression (spec.md §3 Document invariant iv).
type SourceOfChange string

const (
	SourceLocal SourceOfChange = "local"
	SourceSync  SourceOfChange = "sync"
)

// Document is the unit of content (spec.md §3).
//
// Invariants enforced by the repository, not by the zero value:
//   - exactly one of RelatedID / TempRelatedID is non-nil
//   - CompressedFilePath != nil implies CompressedSizeBytes != nil and
//     CompressionStatus == CompressionCompleted
//   - a soft-deleted document (DeletedAt != nil) is never returned by any
//     worker-facing query
type Document struct {
	ID                  string
	RelatedTable        string
	RelatedID           *string
	TempRelatedID       *string
	TypeID              string
	OriginalFilename    string
	FilePath            string
	CompressedFilePath  *string
	SizeBytes           int64
	CompressedSizeBytes *int64
	MimeType            string
	CompressionStatus   CompressionStatus
	BlobSyncStatus      BlobSyncStatus
	BlobKey             *string
	SyncPriority        SyncPriority
	SourceOfChange      SourceOfChange
	HasError            bool
	ErrorType           *string
	ErrorMessage        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeletedAt           *time.Time
}

// IsSoftDeleted reports whether this document must be excluded from every
// worker-facing query (spec.md §3 Document invariant v).
func (d *Document) IsSoftDeleted() bool {
	return d.DeletedAt != nil
}

// EligibleForLocalCompression reports whether the document may be enqueued
// for local compression (spec.md §3 Document invariant iv): sync-sourced
// documents and soft-deleted documents are never eligible.
func (d *Document) EligibleForLocalCompression() bool {
	return d.SourceOfChange == SourceLocal && !d.IsSoftDeleted()
}

// DocumentType is the per-class compression and validation policy
// (spec.md §3 DocumentType). Mutable via LWW-tracked field updates, so the
// three name_updated_* columns mirror the change-log merge metadata shape
// used throughout (spec.md §6).
type DocumentType struct {
	ID                       string
	Name                     string
	AllowedExtensions        []string
	MaxSizeBytes             int64
	DefaultCompressionLevel  int
	CompressionMethod        string
	MinSizeForCompression    int64
	DefaultPriority          SyncPriority

	NameUpdatedAt         *time.Time
	NameUpdatedByUser     *string
	NameUpdatedByDevice   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}
