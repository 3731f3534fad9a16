package codec

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
)

// GenericCodec is the terminal fallback: deflate at a level derived
// linearly from quality (spec.md §4.B "Quality 1-100 linearly maps to
// levels 1-9"). CanHandle always returns true.
type GenericCodec struct{}

func (GenericCodec) Name() string { return "generic" }

func (GenericCodec) CanHandle(string, string) bool { return true }

func (GenericCodec) Compress(data []byte, method Method, quality int) ([]byte, error) {
	return safeCompress("generic", func() ([]byte, error) {
		if method == MethodNone {
			return data, nil
		}

		level := qualityToDeflateLevel(quality)

		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		return buf.Bytes(), nil
	})
}

// qualityToDeflateLevel maps 1..=100 linearly onto flate's 1..=9 levels.
func qualityToDeflateLevel(quality int) int {
	q := ClampQuality(quality)
	level := 1 + (q-1)*8/99
	if level < 1 {
		level = 1
	}
	if level > 9 {
		level = 9
	}
	return level
}

// Decompress reverses GenericCodec.Compress, for tests and for any caller
// that needs to read back a generically-compressed stream.
func Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}
