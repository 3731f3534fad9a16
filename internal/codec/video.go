package codec

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// VideoCodec does no transcoding (no external binaries available).
// Container-level optimisation strips top-level "meta"/"udta" boxes from
// MP4/MOV files when safe to do so; otherwise it falls back to generic
// deflate. Either mode is accepted only if it actually shrinks the file by
// the spec's thresholds (spec.md §4.B).
type VideoCodec struct {
	generic GenericCodec
}

func (VideoCodec) Name() string { return "video" }

func (VideoCodec) CanHandle(mimeType, extension string) bool {
	extension = strings.ToLower(strings.TrimPrefix(extension, "."))
	if strings.HasPrefix(mimeType, "video/") {
		return true
	}
	switch extension {
	case "mp4", "mov", "m4v":
		return true
	default:
		return false
	}
}

// thresholds from spec.md §4.B.
const (
	videoContainerMinSavingsRatio = 0.95 // container mode must save >= 5%
	videoGenericMaxRatio          = 0.90 // generic mode must compress to <= 90%
)

func (c VideoCodec) Compress(data []byte, method Method, quality int) ([]byte, error) {
	return safeCompress("video", func() ([]byte, error) {
		if method == MethodNone {
			return data, nil
		}

		if stripped, ok := stripContainerMetadataBoxes(data); ok {
			if float64(len(stripped)) <= float64(len(data))*videoContainerMinSavingsRatio {
				return stripped, nil
			}
		}

		compressed, err := c.generic.Compress(data, MethodLossless, quality)
		if err != nil {
			return nil, err
		}
		if float64(len(compressed)) <= float64(len(data))*videoGenericMaxRatio {
			return compressed, nil
		}

		return data, nil
	})
}

// mp4BoxHeaderSize is the header length of one top-level ISO base media
// file format box: a big-endian uint32 size followed by a 4-byte type tag.
const mp4BoxHeaderSize = 8

var strippableBoxTypes = map[string]bool{"meta": true, "udta": true}

// stripContainerMetadataBoxes scans top-level boxes and removes any whose
// type is "meta" or "udta", provided every box's declared size is
// internally consistent (spec.md §4.B "strips them if the size header is
// valid"). Returns ok=false if the input doesn't parse as a well-formed box
// stream, so the caller can fall back to generic compression.
func stripContainerMetadataBoxes(data []byte) ([]byte, bool) {
	var out bytes.Buffer
	offset := 0

	for offset < len(data) {
		if len(data)-offset < mp4BoxHeaderSize {
			return nil, false
		}

		size := binary.BigEndian.Uint32(data[offset : offset+4])
		boxType := string(data[offset+4 : offset+8])

		if size < mp4BoxHeaderSize || int(size) > len(data)-offset {
			return nil, false
		}

		if !strippableBoxTypes[boxType] {
			out.Write(data[offset : offset+int(size)])
		}

		offset += int(size)
	}

	return out.Bytes(), true
}
