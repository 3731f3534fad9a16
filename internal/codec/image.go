package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/webp"
)

// ErrUnsupportedImageFormat is returned when the input cannot be decoded by
// any registered image format.
var ErrUnsupportedImageFormat = errors.New("codec: unsupported image format")

// ImageCodec decodes via the standard image package's format-sniffing
// registry (plus WebP decode support from golang.org/x/image) and
// re-encodes per spec.md §4.B:
//   - JPEG, or an unrecognized-but-decodable format, in lossy mode:
//     re-encode as JPEG at the given quality.
//   - PNG, lossy or lossless: re-encode with best compression and adaptive
//     filtering.
//   - WebP: decode-only (no Go WebP encoder is vendored in the toolchain),
//     so the output container is PNG.
//   - Any format in lossless mode: PNG is the output container.
type ImageCodec struct{}

func init() {
	// Registers "webp" with image.Decode/image.DecodeConfig so format
	// sniffing recognizes it alongside the stdlib's built-in jpeg/png/gif.
	image.RegisterFormat("webp", "RIFF????WEBP", webp.Decode, webp.DecodeConfig)
}

func (ImageCodec) Name() string { return "image" }

func (ImageCodec) CanHandle(mimeType, extension string) bool {
	mimeType = strings.ToLower(mimeType)
	extension = strings.ToLower(strings.TrimPrefix(extension, "."))

	if strings.HasPrefix(mimeType, "image/") {
		return true
	}

	switch extension {
	case "jpg", "jpeg", "png", "webp", "gif", "bmp":
		return true
	default:
		return false
	}
}

func (ImageCodec) Compress(data []byte, method Method, quality int) ([]byte, error) {
	return safeCompress("image", func() ([]byte, error) {
		if method == MethodNone {
			return data, nil
		}

		img, format, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnsupportedImageFormat, err)
		}

		quality = ClampQuality(quality)

		if method == MethodLossy && (format == "jpeg" || format == "") {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}

		// Lossless, or any lossy format other than JPEG: PNG is the
		// output container (spec.md §4.B).
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}
