package pipeline_test

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/pipeline"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/MeKo-Tech/ocrq/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *imagestore.Store
	engine *testutil.ScriptedEngine
	det    *testutil.ScriptedDetector
	p      *pipeline.Pipeline
}

func newFixture(t *testing.T, regions int, forward, flipped []int) *fixture {
	t.Helper()
	store := imagestore.New()
	eng := testutil.NewScriptedEngine(regions, forward, flipped)
	det := &testutil.ScriptedDetector{Store: store, Count: regions}
	p, err := pipeline.NewBuilder().
		WithStore(store).
		WithEngine(eng).
		WithDetector(det).
		Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return &fixture{store: store, engine: eng, det: det, p: p}
}

func job(src task.Source, mutate ...func(*recognizer.Params)) *task.Job {
	params := recognizer.DefaultParams()
	for _, m := range mutate {
		m(&params)
	}
	return &task.Job{Requester: 1, Token: 42, Source: src, Params: params}
}

type collector struct{ results []*recognizer.Result }

func (c *collector) emit(r *recognizer.Result) { c.results = append(c.results, r) }

func TestBuilder_RequiresEngine(t *testing.T) {
	_, err := pipeline.NewBuilder().Build()
	require.Error(t, err)
}

func TestBuilder_RejectsInvalidConfig(t *testing.T) {
	eng := testutil.NewScriptedEngine(0, nil, nil)

	_, err := pipeline.NewBuilder().WithEngine(eng).WithOrientationSampling(3, 101).Build()
	require.Error(t, err)

	cfg := pipeline.DefaultConfig()
	cfg.Cleanup.Form = "bogus"
	_, err = pipeline.NewBuilder().WithEngine(eng).WithConfig(cfg).Build()
	require.Error(t, err)
}

func TestBuilder_Setters(t *testing.T) {
	b := pipeline.NewBuilder().
		WithMaxPixels(5000).
		WithDebugDir("/tmp/debug").
		WithOrientationSampling(5, 60).
		WithTextCleanup(recognizer.TextCleanup{Form: "NFKC"})
	cfg := b.Config()
	assert.Equal(t, 5000, cfg.Preprocess.MaxPixels)
	assert.Equal(t, "/tmp/debug", cfg.Preprocess.DebugDir)
	assert.Equal(t, 5, cfg.Orientation.SampleCount)
	assert.InDelta(t, 60.0, cfg.Orientation.Threshold, 1e-9)
	assert.Equal(t, "NFKC", cfg.Cleanup.Form)

	// Non-positive values keep the defaults.
	b.WithMaxPixels(0).WithOrientationSampling(0, -1)
	assert.Equal(t, 5000, b.Config().Preprocess.MaxPixels)
	assert.Equal(t, 5, b.Config().Orientation.SampleCount)
}

func TestProcess_ForwardOrder(t *testing.T) {
	f := newFixture(t, 4, []int{90}, nil)
	var c collector

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 200, 120, color.White))), c.emit)
	require.NoError(t, err)

	assert.Equal(t, []string{"region-0", "region-1", "region-2", "region-3"}, testutil.Texts(results))
	assert.Equal(t, testutil.Texts(results), testutil.Texts(c.results))
	for i, r := range results {
		assert.Equal(t, testutil.MarkedBox(i), r.Box())
		assert.InDelta(t, 90.0, r.AverageConfidence(), 1e-9)
	}
	assert.Equal(t, 1, f.engine.Resets())
	assert.Zero(t, f.store.Live(), "every image is released")
}

func TestProcess_FlippedOrder(t *testing.T) {
	f := newFixture(t, 5, []int{30}, []int{90})
	var c collector

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 64, 64, color.White))), c.emit)
	require.NoError(t, err)

	want := []string{"flipped-4", "flipped-3", "flipped-2", "flipped-1", "flipped-0"}
	assert.Equal(t, want, testutil.Texts(results))
	assert.Equal(t, want, testutil.Texts(c.results))
	for _, r := range results {
		assert.InDelta(t, 180.0, r.Angle(), 1e-9)
	}
	assert.Zero(t, f.store.Live())
}

func TestProcess_BoxesMapToOriginalScale(t *testing.T) {
	f := newFixture(t, 2, []int{99}, nil)

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 2560, 1440, color.White))), nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	for i, r := range results {
		b := testutil.MarkedBox(i)
		assert.Equal(t, image.Rect(b.Min.X*2, b.Min.Y*2, b.Max.X*2, b.Max.Y*2), r.Box())
	}
}

func TestProcess_ConfiguresEngine(t *testing.T) {
	f := newFixture(t, 1, []int{90}, nil)

	_, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 32, 32, color.White)), func(p *recognizer.Params) {
			p.Language = "de+en"
			p.PageSegMode = recognizer.PSMSingleLine
			p.Spellcheck = false
		}), nil)
	require.NoError(t, err)

	cfgs := f.engine.Configurations()
	require.Len(t, cfgs, 1)
	assert.Equal(t, "deu+eng", cfgs[0].Language)
	assert.Equal(t, recognizer.PSMSingleLine, cfgs[0].Mode)
	assert.Equal(t, "0", cfgs[0].Variables["load_system_dawg"])
}

func TestProcess_InvalidLanguage(t *testing.T) {
	f := newFixture(t, 1, []int{90}, nil)

	_, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 32, 32, color.White)), func(p *recognizer.Params) {
			p.Language = "!!"
		}), nil)
	require.ErrorIs(t, err, recognizer.ErrInvalidLanguage)
	assert.Empty(t, f.engine.Configurations())
	assert.Zero(t, f.engine.Resets())
}

func TestProcess_UndecodableData(t *testing.T) {
	f := newFixture(t, 1, []int{90}, nil)

	results, err := f.p.Process(context.Background(), job(task.DataSource([]byte("not an image"))), nil)
	require.Error(t, err)
	assert.Empty(t, results)
	assert.Equal(t, 1, f.engine.Resets(), "per-job engine state is reset on failure")
	assert.Zero(t, f.det.Calls())
}

func TestProcess_FileSource(t *testing.T) {
	f := newFixture(t, 2, []int{90}, nil)
	dir := t.TempDir()
	path := testutil.WritePNG(t, dir, "page.png", image.NewGray(image.Rect(0, 0, 80, 40)))

	results, err := f.p.Process(context.Background(), job(task.FileSource(path)), nil)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	_, err = f.p.Process(context.Background(), job(task.FileSource(filepath.Join(dir, "gone.png"))), nil)
	require.Error(t, err)
}

func TestProcess_NoTextFound(t *testing.T) {
	f := newFixture(t, 0, nil, nil)

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 32, 32, color.White))), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, f.engine.Calls())
}

func TestProcess_CleansText(t *testing.T) {
	f := newFixture(t, 1, []int{90}, nil)
	f.engine.Forward[0] = recognizer.Output{Text: "  two\n\twords\u200B ", WordConfidences: []int{90}}

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 32, 32, color.White))), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "two words", results[0].Text())
}

func TestProcess_WholeImageWithoutDetection(t *testing.T) {
	f := newFixture(t, 3, []int{90}, nil)
	f.engine.Default = recognizer.Output{Text: "whole page", WordConfidences: []int{88}}

	results, err := f.p.Process(context.Background(),
		job(task.DataSource(testutil.SolidPNG(t, 120, 60, color.White)), func(p *recognizer.Params) {
			p.DetectText = false
		}), nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "whole page", results[0].Text())
	assert.Equal(t, image.Rect(0, 0, 120, 60), results[0].Box())
	assert.Zero(t, f.det.Calls())
}

func TestClose(t *testing.T) {
	f := newFixture(t, 0, nil, nil)
	require.NoError(t, f.p.Close())
	assert.True(t, f.engine.Closed())
	require.NoError(t, f.p.Close(), "closing twice is harmless")

	_, err := f.p.Process(context.Background(), job(task.DataSource([]byte{1})), nil)
	require.Error(t, err)
}

func TestInfo(t *testing.T) {
	f := newFixture(t, 0, nil, nil)
	info := f.p.Info()
	assert.Equal(t, pipeline.DefaultConfig().Preprocess.MaxPixels, info["max_pixels"])
	assert.Contains(t, info, "runtime")
	assert.Equal(t, 0, info["live_images"])
}
