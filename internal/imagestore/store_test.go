package imagestore

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestPNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidRGBA(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestIsSupportedImage(t *testing.T) {
	cases := []struct {
		path string
		ok   bool
	}{
		{"a.jpg", true},
		{"b.JPEG", true},
		{"c.png", true},
		{"d.bmp", true},
		{"e.tiff", true},
		{"f.webp", true},
		{"g.pdf", false},
		{"noext", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.ok, IsSupportedImage(c.path), c.path)
	}
}

func TestWrap_RejectsEmpty(t *testing.T) {
	s := New()
	_, err := s.Wrap(nil)
	require.Error(t, err)

	_, err = s.Wrap(image.NewGray(image.Rect(0, 0, 0, 5)))
	require.Error(t, err)
	var ie *ImageError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "wrap", ie.Op)
	assert.Zero(t, s.Live())
}

func TestHandle_CloseIsIdempotent(t *testing.T) {
	s := New()
	h, err := s.Wrap(image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Live())
	assert.False(t, h.Released())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())
	s.Release(h)
	assert.True(t, h.Released())
	assert.Nil(t, h.Image())
	assert.Equal(t, image.Rectangle{}, h.Bounds())
	assert.Zero(t, s.Live())

	var nilHandle *Handle
	assert.NoError(t, nilHandle.Close())
	assert.True(t, nilHandle.Released())
}

func TestLoadFromBytes(t *testing.T) {
	s := New()
	_, err := s.LoadFromBytes(nil)
	require.Error(t, err)

	_, err = s.LoadFromBytes([]byte("definitely not an image"))
	require.Error(t, err)
	var ie *ImageError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "decode", ie.Op)

	h, err := s.LoadFromBytes(encodeTestPNG(t, solidRGBA(12, 7, color.White)))
	require.NoError(t, err)
	defer s.Release(h)
	assert.Equal(t, 12, h.Bounds().Dx())
	assert.Equal(t, 7, h.Bounds().Dy())
}

func TestLoadFromFile(t *testing.T) {
	s := New()
	_, err := s.LoadFromFile(filepath.Join(t.TempDir(), "missing.png"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "img.png")
	require.NoError(t, os.WriteFile(path, encodeTestPNG(t, solidRGBA(3, 3, color.Black)), 0o600))
	h, err := s.LoadFromFile(path)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	assert.Zero(t, s.Live())
}

func TestConvertTo8bpp_ConsumesInput(t *testing.T) {
	s := New()
	src, err := s.Wrap(solidRGBA(5, 5, color.RGBA{R: 200, G: 200, B: 200, A: 255}))
	require.NoError(t, err)

	g, err := s.ConvertTo8bpp(src)
	require.NoError(t, err)
	defer s.Release(g)

	assert.True(t, src.Released())
	assert.True(t, IsGray(g.Image()))
	assert.Equal(t, 1, s.Live())

	_, err = s.ConvertTo8bpp(src)
	assert.ErrorIs(t, err, ErrReleased)
}

func TestScale_KeepsGrayDepth(t *testing.T) {
	s := New()
	src, err := s.Wrap(image.NewGray(image.Rect(0, 0, 100, 50)))
	require.NoError(t, err)

	out, err := s.Scale(src, 0.5)
	require.NoError(t, err)
	defer s.Release(out)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())
	assert.True(t, IsGray(out.Image()))

	bad, err := s.Wrap(image.NewGray(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	_, err = s.Scale(bad, 0)
	assert.Error(t, err)
	assert.True(t, bad.Released())
	assert.Equal(t, 1, s.Live())
}

func TestRotate180_IsExact(t *testing.T) {
	s := New()
	g := image.NewGray(image.Rect(0, 0, 4, 3))
	g.SetGray(0, 0, color.Gray{Y: 7})
	g.SetGray(3, 2, color.Gray{Y: 200})
	src, err := s.Wrap(g)
	require.NoError(t, err)

	out, err := s.Rotate(src, 180)
	require.NoError(t, err)
	defer s.Release(out)

	rg, ok := out.Image().(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(200), rg.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(7), rg.GrayAt(3, 2).Y)
	assert.Equal(t, 4, rg.Bounds().Dx())
}

func TestRotate_ArbitraryAngleExpands(t *testing.T) {
	s := New()
	src, err := s.Wrap(image.NewGray(image.Rect(0, 0, 40, 10)))
	require.NoError(t, err)
	out, err := s.Rotate(src, 30)
	require.NoError(t, err)
	defer s.Release(out)
	assert.Greater(t, out.Bounds().Dy(), 10)
}

func TestThreshold(t *testing.T) {
	s := New()
	g := image.NewGray(image.Rect(0, 0, 10, 1))
	for x := range 10 {
		if x < 5 {
			g.Pix[x] = 20
		} else {
			g.Pix[x] = 230
		}
	}
	src, err := s.Wrap(g)
	require.NoError(t, err)
	out, err := s.Threshold(src, -1)
	require.NoError(t, err)
	defer s.Release(out)

	bin, ok := out.Image().(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(0), bin.Pix[0])
	assert.Equal(t, uint8(255), bin.Pix[9])
}

func TestOtsuLevel_SplitsBimodal(t *testing.T) {
	g := image.NewGray(image.Rect(0, 0, 100, 1))
	for x := range 100 {
		if x%2 == 0 {
			g.Pix[x] = 40
		} else {
			g.Pix[x] = 210
		}
	}
	level := OtsuLevel(g)
	assert.GreaterOrEqual(t, level, uint8(40))
	assert.Less(t, level, uint8(210))
}

func TestCrop(t *testing.T) {
	s := New()
	g := image.NewGray(image.Rect(0, 0, 20, 20))
	g.SetGray(5, 6, color.Gray{Y: 99})
	src, err := s.Wrap(g)
	require.NoError(t, err)
	defer s.Release(src)

	c, err := s.Crop(src, image.Rect(5, 6, 10, 10))
	require.NoError(t, err)
	defer s.Release(c)
	assert.False(t, src.Released())
	assert.Equal(t, 5, c.Bounds().Dx())
	assert.Equal(t, 4, c.Bounds().Dy())

	cg, ok := c.Image().(*image.Gray)
	require.True(t, ok)
	assert.Equal(t, uint8(99), cg.GrayAt(0, 0).Y)

	_, err = s.Crop(src, image.Rect(50, 50, 60, 60))
	assert.Error(t, err)
}

func TestEncodeAndSavePNG(t *testing.T) {
	s := New()
	h, err := s.Wrap(image.NewGray(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)

	data, err := EncodePNG(h)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	path := filepath.Join(t.TempDir(), "nested", "out.png")
	require.NoError(t, SavePNG(h, path))
	_, err = os.Stat(path)
	require.NoError(t, err)

	s.Release(h)
	_, err = EncodePNG(h)
	assert.ErrorIs(t, err, ErrReleased)
}
