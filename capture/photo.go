package capture

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const (
	DefaultMaxSide = 1600
	DefaultQuality = 85
)

// Photo is an image on its way to the locate endpoint. Raw photos come straight
// from disk and still need downscaling; blobs are already encoded for upload.
type Photo struct {
	Name string
	Data []byte
	Raw  bool
}

// PhotoFromFile reads a user-selected image.
func PhotoFromFile(path string) (Photo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Photo{}, fmt.Errorf("read photo: %w", err)
	}
	return Photo{Name: filepath.Base(path), Data: data, Raw: true}, nil
}

// PhotoFromBlob wraps bytes that are already an upload-ready JPEG.
func PhotoFromBlob(data []byte, name string) Photo {
	if name == "" {
		name = "photo.jpg"
	}
	return Photo{Name: name, Data: data}
}

// Prepare downsamples a raw photo so its longer edge is at most maxSide and
// re-encodes it as JPEG. Blobs are returned unchanged.
func (p Photo) Prepare(maxSide, quality int) (Photo, error) {
	if !p.Raw {
		return p, nil
	}
	if maxSide <= 0 {
		maxSide = DefaultMaxSide
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}

	src, _, err := image.Decode(bytes.NewReader(p.Data))
	if err != nil {
		return Photo{}, fmt.Errorf("decode photo: %w", err)
	}

	w, h := ScaledSize(src.Bounds().Dx(), src.Bounds().Dy(), maxSide)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return Photo{}, fmt.Errorf("encode photo: %w", err)
	}

	return Photo{Name: jpegName(p.Name), Data: buf.Bytes()}, nil
}

// ScaledSize keeps the aspect ratio and never upscales.
func ScaledSize(w, h, maxSide int) (int, int) {
	longer := w
	if h > longer {
		longer = h
	}
	if longer <= maxSide || longer == 0 {
		return w, h
	}
	s := float64(maxSide) / float64(longer)
	nw := int(float64(w)*s + 0.5)
	nh := int(float64(h)*s + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}

func jpegName(name string) string {
	if name == "" {
		return "photo.jpg"
	}
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".jpg"
}

// IsImageFile reports whether a path looks like a photo we can upload.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff":
		return true
	}
	return false
}
