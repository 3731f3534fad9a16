// Package codec implements the format-specific byte-to-byte compressors
// selected by the Compression Service (spec.md §4.B). Each codec is
// polymorphic over CanHandle/Compress; the Registry asks them in a fixed
// order and the first match wins, with the generic codec as terminal
// fallback.
package codec

import "fmt"

// Method is the compression strategy a codec is asked to apply.
type Method string

const (
	MethodNone           Method = "none"
	MethodLossy          Method = "lossy"
	MethodLossless       Method = "lossless"
	MethodPDFOptimize    Method = "pdf_optimize"
	MethodOfficeOptimize Method = "office_optimize"
	MethodVideoOptimize  Method = "video_optimize"
)

// Codec is the capability set every format handler implements.
type Codec interface {
	// Name identifies the codec for logging and CompressionResult.Method.
	Name() string
	// CanHandle reports whether this codec should process the given MIME
	// type and filename extension. Asked in registry order; first match
	// wins.
	CanHandle(mimeType, extension string) bool
	// Compress transforms data per method/quality. quality is 1..=100 for
	// lossy/generic codecs, or a 0..=9-style level where the codec
	// documents otherwise (PDF buckets, see pdf.go).
	Compress(data []byte, method Method, quality int) ([]byte, error)
}

// ErrPanicRecovered wraps a recovered panic from inside a codec, per the
// edge-case policy in spec.md §4.B ("any panic in a codec is converted to
// a typed internal error").
type ErrPanicRecovered struct {
	Codec string
	Value any
}

func (e *ErrPanicRecovered) Error() string {
	return fmt.Sprintf("codec %s: recovered panic: %v", e.Codec, e.Value)
}

// ClampQuality clamps quality into the 1..=100 range used by lossy/generic
// codecs (spec.md §4.B "Quality is clamped to 1..=100").
func ClampQuality(q int) int {
	if q < 1 {
		return 1
	}
	if q > 100 {
		return 100
	}
	return q
}

// safeCompress runs fn and converts any panic into ErrPanicRecovered,
// giving every codec the same panic boundary without repeating the
// recover() boilerplate.
func safeCompress(codecName string, fn func() ([]byte, error)) (out []byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, &ErrPanicRecovered{Codec: codecName, Value: p}
		}
	}()
	return fn()
}

// Registry selects a codec by trying each in order; the first whose
// CanHandle returns true wins (spec.md §4.B "image, PDF, office, video,
// generic").
type Registry struct {
	codecs []Codec
}

// NewRegistry builds the registry in the spec-mandated fixed order. The
// generic codec must always be supplied last — it always returns true from
// CanHandle and is the terminal fallback.
func NewRegistry(codecs ...Codec) *Registry {
	return &Registry{codecs: codecs}
}

// Select returns the first codec whose CanHandle matches.
func (r *Registry) Select(mimeType, extension string) (Codec, bool) {
	for _, c := range r.codecs {
		if c.CanHandle(mimeType, extension) {
			return c, true
		}
	}
	return nil, false
}
