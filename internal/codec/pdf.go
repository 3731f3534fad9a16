package codec

import (
	"bytes"
	"regexp"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// PDFCodec is a pure in-process PDF rewriter: no shelling out to external
// binaries (spec.md §4.B). Structural compression and pruning go through
// pdfcpu; the quality-bucket-driven object pruning and inline-image pass
// are hand-rolled byte-level transforms, matching the original
// implementation's characterization of the latter as best-effort.
type PDFCodec struct{}

func (PDFCodec) Name() string { return "pdf" }

func (PDFCodec) CanHandle(mimeType, extension string) bool {
	return mimeType == "application/pdf" || extension == "pdf" || extension == ".pdf"
}

// quality buckets from spec.md §4.B.
const (
	pdfBucketAggressiveMax = 3
	pdfBucketModerateMax   = 6
	pdfBucketLightMax      = 10
)

func (PDFCodec) Compress(data []byte, method Method, quality int) ([]byte, error) {
	return safeCompress("pdf", func() ([]byte, error) {
		if method == MethodNone {
			return data, nil
		}

		optimized, err := optimizeStructure(data)
		if err != nil {
			// pdfcpu couldn't parse it (e.g. a malformed or already
			// heavily stripped document); fall through on the raw bytes
			// rather than failing the whole codec.
			optimized = data
		}

		switch {
		case quality <= pdfBucketAggressiveMax:
			optimized = dropZeroLengthStreams(optimized)
			optimized = stripObjectsByType(optimized, "/Metadata", "/StructTreeRoot")
			optimized = ensureStreamFilters(optimized)
		case quality <= pdfBucketModerateMax:
			optimized = ensureStreamFilters(optimized)
		default:
			// compress + prune only, no inline-image touch.
		}

		return optimized, nil
	})
}

// optimizeStructure runs pdfcpu's structural optimizer (object stream
// compression, duplicate/unused object pruning).
func optimizeStructure(data []byte) ([]byte, error) {
	var out bytes.Buffer
	if err := api.Optimize(bytes.NewReader(data), &out, nil); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

var streamBlockPattern = regexp.MustCompile(`(?s)stream\r?\n(.*?)\r?\nendstream`)

// dropZeroLengthStreams removes stream/endstream blocks that carry no
// bytes between the delimiters, a cheap structural prune pass.
func dropZeroLengthStreams(data []byte) []byte {
	return streamBlockPattern.ReplaceAllFunc(data, func(block []byte) []byte {
		m := streamBlockPattern.FindSubmatch(block)
		if m != nil && len(bytes.TrimSpace(m[1])) == 0 {
			return nil
		}
		return block
	})
}

// stripObjectsByType removes top-level indirect objects whose dictionary
// declares one of the given /Type or top-level key names (e.g. /Metadata,
// /StructTreeRoot). This is a textual approximation, not a full xref
// rewrite: objects are blanked in place rather than removed from the
// cross-reference table, which pdfcpu's prior optimize pass tolerates on
// the next read.
func stripObjectsByType(data []byte, markers ...string) []byte {
	objPattern := regexp.MustCompile(`(?s)\d+\s+\d+\s+obj\s*<<.*?>>\s*(?:stream.*?endstream\s*)?endobj`)

	return objPattern.ReplaceAllFunc(data, func(obj []byte) []byte {
		for _, marker := range markers {
			if bytes.Contains(obj, []byte(marker)) {
				return nil
			}
		}
		return obj
	})
}

var dictBeforeStreamPattern = regexp.MustCompile(`(?s)(<<[^>]*?)>>\s*stream`)

// ensureStreamFilters adds /Filter /FlateDecode to any stream dictionary
// that declares none, per the spec's inline-image best-effort pass
// ("ensures every stream has a Filter entry, adding FlateDecode where none
// is present"). It does not re-encode the stream bytes themselves — doing
// so safely requires full object-graph awareness of each stream's existing
// encoding, which this textual pass does not have.
func ensureStreamFilters(data []byte) []byte {
	return dictBeforeStreamPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		if bytes.Contains(m, []byte("/Filter")) {
			return m
		}
		groups := dictBeforeStreamPattern.FindSubmatch(m)
		dict := groups[1]
		return append(append(dict, []byte(" /Filter /FlateDecode ")...), []byte(">>\nstream")...)
	})
}
