package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// ImageSize represents common image dimensions.
type ImageSize struct {
	Width  int
	Height int
}

var (
	// Common test image sizes.
	SmallSize  = ImageSize{320, 240}
	MediumSize = ImageSize{640, 480}
	LargeSize  = ImageSize{1920, 1080}
)

// TextImageConfig holds configuration for generating test images.
type TextImageConfig struct {
	Lines       []string
	Size        ImageSize
	Background  color.Color
	Foreground  color.Color
	FontFace    font.Face
	LineSpacing int     // pixels between baselines before Zoom
	Margin      int     // left and top margin before Zoom
	Zoom        int     // integer upscale applied after drawing
	Rotation    float64 // counter-clockwise degrees applied last
}

// DefaultTextImageConfig returns a default configuration for test images.
func DefaultTextImageConfig() TextImageConfig {
	return TextImageConfig{
		Lines:       []string{"Sample Text"},
		Size:        SmallSize,
		Background:  color.White,
		Foreground:  color.Black,
		FontFace:    basicfont.Face7x13,
		LineSpacing: 30,
		Margin:      10,
		Zoom:        1,
	}
}

// GenerateTextImage draws the configured lines top-to-bottom. With Zoom > 1
// the canvas is Size/Zoom before upscaling, so the final image is Size.
func GenerateTextImage(config TextImageConfig) *image.RGBA {
	zoom := max(1, config.Zoom)
	w, h := config.Size.Width/zoom, config.Size.Height/zoom
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{config.Background}, image.Point{}, draw.Src)

	face := config.FontFace
	if face == nil {
		face = basicfont.Face7x13
	}
	drawer := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{config.Foreground},
		Face: face,
	}
	ascent := face.Metrics().Ascent.Ceil()
	for i, line := range config.Lines {
		drawer.Dot = fixed.P(config.Margin, config.Margin+ascent+i*config.LineSpacing)
		drawer.DrawString(line)
	}

	var out image.Image = img
	if zoom > 1 {
		out = imaging.Resize(out, config.Size.Width, config.Size.Height, imaging.NearestNeighbor)
	}
	if config.Rotation != 0 {
		out = imaging.Rotate(out, config.Rotation, config.Background)
	}
	rgba := image.NewRGBA(image.Rect(0, 0, out.Bounds().Dx(), out.Bounds().Dy()))
	draw.Draw(rgba, rgba.Bounds(), out, out.Bounds().Min, draw.Src)
	return rgba
}

// LineTop returns the y coordinate of the top of line i's glyph cell in an
// unrotated image generated from config.
func LineTop(config TextImageConfig, i int) int {
	return (config.Margin + i*config.LineSpacing) * max(1, config.Zoom)
}

// PNGBytes encodes img as PNG.
func PNGBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img), "Failed to encode PNG image")
	return buf.Bytes()
}

// SolidPNG returns a PNG of the given size filled with c.
func SolidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return PNGBytes(t, img)
}

// SaveImage saves an image to the specified path as PNG.
func SaveImage(t *testing.T, img image.Image, path string) {
	t.Helper()

	dir := filepath.Dir(path)
	require.NoError(t, EnsureDir(dir), "Failed to create directory %s", dir)
	require.NoError(t, os.WriteFile(path, PNGBytes(t, img), 0o600), "Failed to write %s", path)
}

// WritePNG writes img into dir under name and returns the path.
func WritePNG(t *testing.T, dir, name string, img image.Image) string {
	t.Helper()
	path := filepath.Join(dir, name)
	SaveImage(t, img, path)
	return path
}

// LoadImage loads an image from the specified path.
func LoadImage(t *testing.T, path string) image.Image {
	t.Helper()

	file, err := os.Open(path) //nolint:gosec // G304: Test file reading with controlled path
	require.NoError(t, err, "Failed to open image file %s", path)
	defer func() { _ = file.Close() }()

	img, _, err := image.Decode(file)
	require.NoError(t, err, "Failed to decode image")

	return img
}
