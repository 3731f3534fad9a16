package document

import "errors"

// Sentinel errors for repository-layer classification, mirroring the
// teacher's errors.Is()-based convention (internal/graph/errors.go).
var (
	ErrNotFound         = errors.New("document: not found")
	ErrInvalidRelation  = errors.New("document: exactly one of related-id or temp-related-id must be set")
	ErrInvalidCompressedState = errors.New("document: compressed path requires compressed size and completed status")
)
