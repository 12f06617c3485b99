package testutil

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "test", "nested", "dir")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(filepath.Join(dir, "missing")))
	assert.False(t, DirExists("/non/existent/dir"))
}

func TestGenerateTextImage(t *testing.T) {
	cfg := DefaultTextImageConfig()
	cfg.Lines = []string{"HELLO", "WORLD"}
	img := GenerateTextImage(cfg)
	assert.Equal(t, cfg.Size.Width, img.Bounds().Dx())
	assert.Equal(t, cfg.Size.Height, img.Bounds().Dy())

	dark := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] < 128 {
			dark++
		}
	}
	assert.Positive(t, dark)

	cfg.Zoom = 2
	zoomed := GenerateTextImage(cfg)
	assert.Equal(t, cfg.Size.Width, zoomed.Bounds().Dx())
	assert.Equal(t, 2*cfg.Margin, LineTop(cfg, 0))
}

func TestRegionID_RoundTripsThroughRotation(t *testing.T) {
	store := imagestore.New()
	for _, id := range []int{0, 1, 7, MaxMarkedID} {
		h, err := store.Wrap(MarkedRegionImage(id))
		require.NoError(t, err)

		got, flipped, ok := RegionID(h.Image())
		require.True(t, ok)
		assert.Equal(t, id, got)
		assert.False(t, flipped)

		rot, err := store.Rotate(h, 180)
		require.NoError(t, err)
		got, flipped, ok = RegionID(rot.Image())
		require.True(t, ok)
		assert.Equal(t, id, got)
		assert.True(t, flipped)
		require.NoError(t, rot.Close())
	}
	assert.Zero(t, store.Live())

	_, _, ok := RegionID(image.NewGray(image.Rect(0, 0, 5, 5)))
	assert.False(t, ok)
}

func TestScriptedEngine(t *testing.T) {
	store := imagestore.New()
	eng := NewScriptedEngine(2, []int{90, 80}, []int{10})
	eng.Errors = map[int]error{1: errors.New("boom")}

	regions, err := MarkedRegions(store, 2)
	require.NoError(t, err)

	out, err := eng.Recognize(context.Background(), regions[0].Image)
	require.NoError(t, err)
	assert.Equal(t, "region-0", out.Text)
	assert.Equal(t, []int{90}, out.WordConfidences)

	_, err = eng.Recognize(context.Background(), regions[1].Image)
	require.Error(t, err)

	require.NoError(t, eng.Configure("de", 3, map[string]string{"a": "b"}))
	require.Error(t, eng.Configure("eng+", 3, nil))
	eng.Reset()
	require.NoError(t, eng.Close())

	assert.Len(t, eng.Calls(), 2)
	assert.Len(t, eng.Configurations(), 1)
	assert.Equal(t, 1, eng.Resets())
	assert.True(t, eng.Closed())
	assert.Equal(t, 1, eng.MaxInFlight())
}

func TestScriptedDetector(t *testing.T) {
	store := imagestore.New()
	d := &ScriptedDetector{Store: store, Count: 3, Skew: 1.5}
	src, err := store.Wrap(image.NewGray(image.Rect(0, 0, 10, 10)))
	require.NoError(t, err)
	defer store.Release(src)

	regions, skew, err := d.Detect(context.Background(), src)
	require.NoError(t, err)
	assert.Len(t, regions, 3)
	assert.InDelta(t, 1.5, skew, 1e-9)
	assert.Less(t, regions[0].Box.Min.Y, regions[1].Box.Min.Y)
	assert.Equal(t, 1, d.Calls())
	for _, r := range regions {
		require.NoError(t, r.Image.Close())
	}
	assert.Equal(t, 1, store.Live())
}
