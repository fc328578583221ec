// Package imaging decodes inline data-URL images and produces the
// web-optimized JPEG and thumbnail the photo pipeline uploads.
package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	ErrNoPayload  = errors.New("data-URL has no payload separator")
	ErrNotBase64  = errors.New("data-URL is not base64-encoded")
	ErrBadPayload = errors.New("data-URL payload is not valid base64")
)

// DecodeDataURL splits a data:<mime>;base64,<payload> string on the
// first comma and decodes the standard-base64 payload.
func DecodeDataURL(s string) ([]byte, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return nil, ErrNoPayload
	}
	if !strings.Contains(header, "base64") {
		return nil, ErrNotBase64
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return data, nil
}

// Compress decodes raw image bytes, downscales to maxWidth if wider
// (preserving aspect, Lanczos resampling) and encodes JPEG at the
// given quality.
func Compress(data []byte, maxWidth, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	if img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail decodes raw image bytes and produces a width-bound JPEG
// thumbnail, preserving aspect.
func Thumbnail(data []byte, width, quality int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	thumb := imaging.Resize(img, width, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
