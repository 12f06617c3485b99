package imagestore

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// SupportedImageExtensions lists file extensions the store can decode.
var SupportedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".tif", ".tiff", ".webp"}

// IsSupportedImage reports whether the path has a supported image extension.
func IsSupportedImage(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, s := range SupportedImageExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// LoadFromBytes decodes an encoded image into a new handle.
func (s *Store) LoadFromBytes(data []byte) (*Handle, error) {
	if len(data) == 0 {
		return nil, &ImageError{Op: "load", Err: errors.New("empty image data")}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &ImageError{Op: "decode", Err: err}
	}
	return s.Wrap(img)
}

// LoadFromFile reads and decodes an image file into a new handle.
func (s *Store) LoadFromFile(path string) (*Handle, error) {
	if path == "" {
		return nil, &ImageError{Op: "load", Err: errors.New("empty path")}
	}
	data, err := os.ReadFile(path) //nolint:gosec // G304: reading caller-provided image path is expected
	if err != nil {
		return nil, &ImageError{Op: "load", Err: err}
	}
	return s.LoadFromBytes(data)
}

// ConvertTo8bpp consumes h and returns an 8-bit grayscale handle.
func (s *Store) ConvertTo8bpp(h *Handle) (*Handle, error) {
	img, err := h.take()
	if err != nil {
		return nil, &ImageError{Op: "convert", Err: err}
	}
	return s.Wrap(ToGray(img))
}

// Scale consumes h and returns a handle resized by factor in both dimensions.
// Grayscale inputs stay grayscale.
func (s *Store) Scale(h *Handle, factor float64) (*Handle, error) {
	img, err := h.take()
	if err != nil {
		return nil, &ImageError{Op: "scale", Err: err}
	}
	if factor <= 0 || math.IsNaN(factor) || math.IsInf(factor, 0) {
		return nil, &ImageError{Op: "scale", Err: fmt.Errorf("invalid scale factor %v", factor)}
	}
	b := img.Bounds()
	w := max(1, int(math.Round(float64(b.Dx())*factor)))
	ht := max(1, int(math.Round(float64(b.Dy())*factor)))
	resized := imaging.Resize(img, w, ht, imaging.Lanczos)
	return s.Wrap(keepDepth(img, resized))
}

// Rotate consumes h and returns a handle rotated counter-clockwise by degrees.
// Multiples of 90 are exact; other angles expand the canvas and fill with white.
func (s *Store) Rotate(h *Handle, degrees float64) (*Handle, error) {
	img, err := h.take()
	if err != nil {
		return nil, &ImageError{Op: "rotate", Err: err}
	}
	norm := math.Mod(degrees, 360)
	if norm < 0 {
		norm += 360
	}
	var out image.Image
	switch norm {
	case 0:
		out = imaging.Clone(img)
	case 90:
		out = imaging.Rotate90(img)
	case 180:
		out = imaging.Rotate180(img)
	case 270:
		out = imaging.Rotate270(img)
	default:
		out = imaging.Rotate(img, norm, color.White)
	}
	return s.Wrap(keepDepth(img, out))
}

// Threshold consumes h and returns a binary 8-bit image (0 or 255).
// A negative level selects Otsu's method.
func (s *Store) Threshold(h *Handle, level int) (*Handle, error) {
	img, err := h.take()
	if err != nil {
		return nil, &ImageError{Op: "threshold", Err: err}
	}
	g := ToGray(img)
	if level < 0 {
		level = int(OtsuLevel(g))
	}
	out := image.NewGray(g.Bounds())
	for i, v := range g.Pix {
		if int(v) > level {
			out.Pix[i] = 255
		}
	}
	return s.Wrap(out)
}

// Crop returns a new handle containing rect of h. rect is relative to the
// top-left corner of h and is clipped to its bounds. h is not consumed.
func (s *Store) Crop(h *Handle, rect image.Rectangle) (*Handle, error) {
	img := h.Image()
	if img == nil {
		return nil, &ImageError{Op: "crop", Err: ErrReleased}
	}
	b := img.Bounds()
	r := rect.Add(b.Min).Intersect(b)
	if r.Empty() {
		return nil, &ImageError{Op: "crop", Err: fmt.Errorf("crop %v outside image %v", rect, b)}
	}
	return s.Wrap(keepDepth(img, imaging.Crop(img, r)))
}

// EncodePNG encodes h as PNG without consuming it.
func EncodePNG(h *Handle) ([]byte, error) {
	img := h.Image()
	if img == nil {
		return nil, &ImageError{Op: "encode", Err: ErrReleased}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &ImageError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// SavePNG writes h to path as PNG without consuming it.
func SavePNG(h *Handle, path string) error {
	img := h.Image()
	if img == nil {
		return &ImageError{Op: "save", Err: ErrReleased}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &ImageError{Op: "save", Err: err}
	}
	if err := imaging.Save(img, path); err != nil {
		return &ImageError{Op: "save", Err: err}
	}
	return nil
}

// keepDepth converts out back to grayscale when src was grayscale.
func keepDepth(src, out image.Image) image.Image {
	if IsGray(src) {
		return ToGray(out)
	}
	return out
}
