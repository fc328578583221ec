package imaging

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func testImage(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for x := 0; x < width; x++ {
		for y := 0; y < height; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding test image: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeDataURL(t *testing.T) {
	raw := []byte("hello image bytes")
	url := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	got, err := DecodeDataURL(url)
	if err != nil {
		t.Fatalf("DecodeDataURL: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("payload = %q, want %q", got, raw)
	}
}

func TestDecodeDataURLErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
	}{
		{"no separator", "data:image/png;base64", ErrNoPayload},
		{"not base64 encoding", "data:image/png,rawdata", ErrNotBase64},
		{"bad payload", "data:image/png;base64,!!!", ErrBadPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDataURL(tt.input)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompressDownscalesWideImages(t *testing.T) {
	data := testImage(t, 400, 200)

	out, err := Compress(data, 100, 80)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	if got := img.Bounds().Dx(); got != 100 {
		t.Errorf("width = %d, want 100", got)
	}
	// Aspect preserved.
	if got := img.Bounds().Dy(); got != 50 {
		t.Errorf("height = %d, want 50", got)
	}
}

func TestCompressLeavesNarrowImagesAlone(t *testing.T) {
	data := testImage(t, 80, 60)

	out, err := Compress(data, 100, 80)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}

	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	if got := img.Bounds().Dx(); got != 80 {
		t.Errorf("width = %d, want 80 (no upscale)", got)
	}
}

func TestCompressMaxWidthOne(t *testing.T) {
	data := testImage(t, 10, 10)

	out, err := Compress(data, 1, 80)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("output is not a jpeg: %v", err)
	}
	if got := img.Bounds().Dx(); got != 1 {
		t.Errorf("width = %d, want 1", got)
	}
}

func TestCompressRejectsNonImagePayload(t *testing.T) {
	if _, err := Compress([]byte("not an image"), 100, 80); err == nil {
		t.Fatal("Compress accepted a non-image payload")
	}
}

func TestThumbnail(t *testing.T) {
	data := testImage(t, 300, 150)

	out, err := Thumbnail(data, 30, 80)
	if err != nil {
		t.Fatalf("Thumbnail: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("thumbnail is not a jpeg: %v", err)
	}
	if got := img.Bounds().Dx(); got != 30 {
		t.Errorf("width = %d, want 30", got)
	}
	if got := img.Bounds().Dy(); got != 15 {
		t.Errorf("height = %d, want 15", got)
	}
}
