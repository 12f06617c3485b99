package preprocess_test

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/preprocess"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// probeDetector records what it was given and returns no regions.
type probeDetector struct {
	gray   bool
	size   image.Point
	called int
}

func (d *probeDetector) Detect(_ context.Context, h *imagestore.Handle) ([]detector.Region, float64, error) {
	d.called++
	d.gray = imagestore.IsGray(h.Image())
	d.size = h.Bounds().Size()
	return nil, 0, nil
}

func rgba(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 255
	}
	return img
}

func TestPrepare_NormalizesDepth(t *testing.T) {
	store := imagestore.New()
	det := &probeDetector{}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	h, err := store.Wrap(rgba(64, 32))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.NoError(t, err)

	assert.True(t, det.gray)
	assert.Equal(t, image.Pt(64, 32), det.size)
	assert.InDelta(t, 1.0, out.Scale, 1e-9)
	assert.Empty(t, out.Regions)
	assert.True(t, h.Released(), "input is consumed")
	assert.Zero(t, store.Live())
}

func TestPrepare_DownscalesLargeImages(t *testing.T) {
	store := imagestore.New()
	det := &probeDetector{}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	h, err := store.Wrap(image.NewGray(image.Rect(0, 0, 2560, 1440)))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.NoError(t, err)

	assert.InDelta(t, 0.5, out.Scale, 1e-9)
	assert.Equal(t, image.Pt(1280, 720), det.size)
	assert.Equal(t, image.Pt(1280, 720), out.Size)
	assert.Zero(t, store.Live())
}

func TestPrepare_ScaleIsAreaDerived(t *testing.T) {
	store := imagestore.New()
	det := &probeDetector{}
	cfg := preprocess.DefaultConfig()
	cfg.MaxPixels = 10000
	p, err := preprocess.New(store, det, cfg)
	require.NoError(t, err)

	h, err := store.Wrap(image.NewGray(image.Rect(0, 0, 400, 100)))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.NoError(t, err)

	// area ratio 1/4 gives a linear factor of 1/2
	assert.InDelta(t, 0.5, out.Scale, 1e-9)
	assert.Equal(t, image.Pt(200, 50), det.size)
	assert.LessOrEqual(t, det.size.X*det.size.Y, cfg.MaxPixels)
}

func TestPrepare_WholeImageWithoutDetection(t *testing.T) {
	store := imagestore.New()
	det := &probeDetector{}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	params := recognizer.DefaultParams()
	params.DetectText = false
	h, err := store.Wrap(rgba(50, 20))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, params, "")
	require.NoError(t, err)

	assert.Zero(t, det.called)
	require.Len(t, out.Regions, 1)
	assert.Equal(t, image.Rect(0, 0, 50, 20), out.Regions[0].Box)
	assert.True(t, imagestore.IsGray(out.Regions[0].Image.Image()))
	assert.Equal(t, 1, store.Live())
	detector.Release(out.Regions)
	assert.Zero(t, store.Live())
}

func TestPrepare_RegionsFromDetector(t *testing.T) {
	store := imagestore.New()
	det := &testutil.ScriptedDetector{Store: store, Count: 4, Skew: 3}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	h, err := store.Wrap(rgba(100, 100))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.NoError(t, err)

	require.Len(t, out.Regions, 4)
	assert.InDelta(t, 3.0, out.Angle, 1e-9)
	assert.Equal(t, 1, det.Calls(), "no alignment without AlignText")
	for i := 1; i < len(out.Regions); i++ {
		assert.Less(t, out.Regions[i-1].Box.Min.Y, out.Regions[i].Box.Min.Y)
	}
	assert.Equal(t, 4, store.Live())
	detector.Release(out.Regions)
	assert.Zero(t, store.Live())
}

func TestPrepare_AlignTextRedetects(t *testing.T) {
	store := imagestore.New()
	det := &testutil.ScriptedDetector{Store: store, Count: 2, Skew: 5}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	params := recognizer.DefaultParams()
	params.AlignText = true
	h, err := store.Wrap(rgba(200, 100))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, params, "")
	require.NoError(t, err)

	assert.Equal(t, 2, det.Calls())
	assert.InDelta(t, 5.0, out.Angle, 1e-9)
	assert.Greater(t, out.Size.Y, 100, "rotation expands the canvas")
	assert.Equal(t, 2, store.Live(), "first detection pass released")
	detector.Release(out.Regions)
}

func TestPrepare_AlignTextSkipsSmallAngles(t *testing.T) {
	store := imagestore.New()
	det := &testutil.ScriptedDetector{Store: store, Count: 1, Skew: 0.2}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	params := recognizer.DefaultParams()
	params.AlignText = true
	h, err := store.Wrap(rgba(20, 20))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, params, "")
	require.NoError(t, err)
	assert.Equal(t, 1, det.Calls())
	detector.Release(out.Regions)
}

func TestPrepare_DetectorErrorReleasesInput(t *testing.T) {
	store := imagestore.New()
	boom := errors.New("detector failed")
	det := &testutil.ScriptedDetector{Store: store, Err: boom}
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	h, err := store.Wrap(rgba(20, 20))
	require.NoError(t, err)
	_, err = p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.Live())
}

func TestPrepare_DebugDumps(t *testing.T) {
	store := imagestore.New()
	det := &testutil.ScriptedDetector{Store: store, Count: 2}
	cfg := preprocess.DefaultConfig()
	cfg.DebugDir = t.TempDir()
	p, err := preprocess.New(store, det, cfg)
	require.NoError(t, err)

	params := recognizer.DefaultParams()
	params.Debug = true
	h, err := store.Wrap(rgba(30, 30))
	require.NoError(t, err)
	out, err := p.Prepare(context.Background(), h, params, "7")
	require.NoError(t, err)
	detector.Release(out.Regions)

	entries, err := os.ReadDir(filepath.Join(cfg.DebugDir, "7"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"01-source.png", "02-gray.png", "03-region-00.png", "04-region-01.png"}, names)
}

func TestPrepare_NoDumpsWithoutDebug(t *testing.T) {
	store := imagestore.New()
	cfg := preprocess.DefaultConfig()
	cfg.DebugDir = t.TempDir()
	p, err := preprocess.New(store, &probeDetector{}, cfg)
	require.NoError(t, err)

	h, err := store.Wrap(rgba(30, 30))
	require.NoError(t, err)
	_, err = p.Prepare(context.Background(), h, recognizer.DefaultParams(), "1")
	require.NoError(t, err)
	assert.False(t, testutil.DirExists(filepath.Join(cfg.DebugDir, "1")))
}

func TestPrepare_EndToEndWithDetector(t *testing.T) {
	store := imagestore.New()
	dcfg := detector.DefaultConfig()
	dcfg.DilateX = 20
	det, err := detector.New(store, dcfg)
	require.NoError(t, err)
	p, err := preprocess.New(store, det, preprocess.DefaultConfig())
	require.NoError(t, err)

	tc := testutil.DefaultTextImageConfig()
	tc.Lines = []string{"FIRST LINE", "SECOND LINE"}
	tc.Size = testutil.ImageSize{Width: 2400, Height: 800}
	tc.Zoom = 4
	tc.Background = color.White
	h, err := store.LoadFromBytes(testutil.PNGBytes(t, testutil.GenerateTextImage(tc)))
	require.NoError(t, err)

	out, err := p.Prepare(context.Background(), h, recognizer.DefaultParams(), "")
	require.NoError(t, err)
	defer detector.Release(out.Regions)

	assert.Less(t, out.Scale, 1.0)
	require.Len(t, out.Regions, 2)
	assert.Less(t, out.Regions[0].Box.Min.Y, out.Regions[1].Box.Min.Y)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, preprocess.DefaultConfig().Validate())
	assert.Error(t, preprocess.Config{MaxPixels: 0}.Validate())
	assert.Error(t, preprocess.Config{MaxPixels: 1, MinAlignAngle: -1}.Validate())

	_, err := preprocess.New(nil, &probeDetector{}, preprocess.DefaultConfig())
	assert.Error(t, err)
}
