package codec

import (
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
)

// ErrNoImagesFound is returned when an office archive contains no
// compressible image entries, per spec.md §4.B ("fail with a validation
// error so the document is marked skipped, not rewritten").
var ErrNoImagesFound = errors.New("codec: office archive contains no images")

var officeImageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".bmp": true,
}

// OfficeCodec handles DOCX/XLSX/PPTX, which are ZIP containers: images are
// recompressed through ImageCodec at lossy quality, everything else is
// copied byte-for-byte into a freshly Deflated archive (spec.md §4.B).
// archive/zip is the standard library's ZIP reader/writer; no pack example
// imports a third-party ZIP library, and none of the pack's own compression
// dependencies (klauspost/compress) provide container-format handling — see
// DESIGN.md for the stdlib justification.
type OfficeCodec struct {
	images ImageCodec
}

func (OfficeCodec) Name() string { return "office" }

func (OfficeCodec) CanHandle(mimeType, extension string) bool {
	extension = strings.ToLower(strings.TrimPrefix(extension, "."))
	switch extension {
	case "docx", "xlsx", "pptx":
		return true
	}
	switch mimeType {
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation":
		return true
	default:
		return false
	}
}

func (c OfficeCodec) Compress(data []byte, method Method, quality int) ([]byte, error) {
	return safeCompress("office", func() ([]byte, error) {
		if method == MethodNone {
			return data, nil
		}

		reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, err
		}

		type result struct {
			name string
			data []byte
			err  error
		}

		imageIdx := make([]int, 0)
		for i, f := range reader.File {
			if officeImageExtensions[strings.ToLower(filepath.Ext(f.Name))] {
				imageIdx = append(imageIdx, i)
			}
		}
		if len(imageIdx) == 0 {
			return nil, ErrNoImagesFound
		}

		results := make([]result, len(imageIdx))
		var wg sync.WaitGroup
		for i, idx := range imageIdx {
			wg.Add(1)
			go func(i, idx int) {
				defer wg.Done()
				f := reader.File[idx]
				rc, err := f.Open()
				if err != nil {
					results[i] = result{name: f.Name, err: err}
					return
				}
				defer rc.Close()

				raw, err := io.ReadAll(rc)
				if err != nil {
					results[i] = result{name: f.Name, err: err}
					return
				}

				recompressed, err := c.images.Compress(raw, MethodLossy, quality)
				if err != nil {
					// An image this codec cannot decode (e.g. an
					// unsupported embedded format) is kept as-is rather
					// than failing the whole archive.
					recompressed = raw
				}
				results[i] = result{name: f.Name, data: recompressed}
			}(i, idx)
		}
		wg.Wait()

		recompressedByName := make(map[string][]byte, len(results))
		for _, r := range results {
			if r.err != nil {
				return nil, r.err
			}
			recompressedByName[r.name] = r.data
		}

		var out bytes.Buffer
		w := zip.NewWriter(&out)
		// Archive is rebuilt with Deflate at level 9 (spec.md §4.B), using
		// klauspost/compress's flate rather than archive/zip's built-in
		// (stdlib-only, fixed-level) compressor.
		w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.BestCompression)
		})
		for _, f := range reader.File {
			if err := copyEntry(w, f, recompressedByName); err != nil {
				return nil, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, err
		}

		return out.Bytes(), nil
	})
}

func copyEntry(w *zip.Writer, f *zip.File, replacements map[string][]byte) error {
	header := f.FileHeader
	header.Method = zip.Deflate

	dst, err := w.CreateHeader(&header)
	if err != nil {
		return err
	}

	if replacement, ok := replacements[f.Name]; ok {
		_, err := dst.Write(replacement)
		return err
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(dst, src)
	return err
}
