// Package pipeline composes preprocessing, orientation resolution and text
// recognition into the processor the job scheduler runs.
package pipeline

import (
	"errors"
	"fmt"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/orientation"
	"github.com/MeKo-Tech/ocrq/internal/preprocess"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// Config holds configuration for the pipeline and its components.
type Config struct {
	Preprocess  preprocess.Config
	Detector    detector.Config
	Orientation orientation.Config
	Cleanup     recognizer.TextCleanup
}

// DefaultConfig returns a pipeline config with component defaults.
func DefaultConfig() Config {
	return Config{
		Preprocess:  preprocess.DefaultConfig(),
		Detector:    detector.DefaultConfig(),
		Orientation: orientation.DefaultConfig(),
		Cleanup:     recognizer.DefaultTextCleanup(),
	}
}

// Validate checks every component configuration.
func (c Config) Validate() error {
	if err := c.Preprocess.Validate(); err != nil {
		return fmt.Errorf("preprocess: %w", err)
	}
	if err := c.Detector.Validate(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := c.Orientation.Validate(); err != nil {
		return fmt.Errorf("orientation: %w", err)
	}
	if err := c.Cleanup.Validate(); err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	return nil
}

// Builder constructs a Pipeline with fluent configuration.
type Builder struct {
	cfg    Config
	store  *imagestore.Store
	engine recognizer.Engine
	det    preprocess.RegionDetector
}

// NewBuilder creates a new pipeline builder with defaults.
func NewBuilder() *Builder { return &Builder{cfg: DefaultConfig()} }

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.cfg = cfg
	return b
}

// WithEngine sets the recognition engine. The pipeline takes ownership and
// closes it.
func (b *Builder) WithEngine(eng recognizer.Engine) *Builder {
	b.engine = eng
	return b
}

// WithStore shares an image store; by default the pipeline creates its own.
func (b *Builder) WithStore(store *imagestore.Store) *Builder {
	b.store = store
	return b
}

// WithDetector overrides the region detector built from Config.Detector.
func (b *Builder) WithDetector(det preprocess.RegionDetector) *Builder {
	b.det = det
	return b
}

// WithMaxPixels sets the downscale limit (if >0).
func (b *Builder) WithMaxPixels(n int) *Builder {
	if n > 0 {
		b.cfg.Preprocess.MaxPixels = n
	}
	return b
}

// WithDebugDir sets where intermediate images of debug jobs are written.
func (b *Builder) WithDebugDir(dir string) *Builder {
	b.cfg.Preprocess.DebugDir = dir
	return b
}

// WithOrientationSampling sets how many regions are sampled and the
// confidence that accepts the upright orientation without trying 180°.
func (b *Builder) WithOrientationSampling(samples int, threshold float64) *Builder {
	if samples > 0 {
		b.cfg.Orientation.SampleCount = samples
	}
	if threshold >= 0 {
		b.cfg.Orientation.Threshold = threshold
	}
	return b
}

// WithTextCleanup sets the normalization applied to recognized text.
func (b *Builder) WithTextCleanup(c recognizer.TextCleanup) *Builder {
	b.cfg.Cleanup = c
	return b
}

// Config returns a copy of the current config.
func (b *Builder) Config() Config { return b.cfg }

// Validate checks the configuration and required components.
func (b *Builder) Validate() error {
	if b.engine == nil {
		return errors.New("recognition engine is required")
	}
	return b.cfg.Validate()
}

// Build initializes the pipeline components.
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	store := b.store
	if store == nil {
		store = imagestore.New()
	}
	det := b.det
	if det == nil {
		d, err := detector.New(store, b.cfg.Detector)
		if err != nil {
			return nil, fmt.Errorf("init detector: %w", err)
		}
		det = d
	}
	pre, err := preprocess.New(store, det, b.cfg.Preprocess)
	if err != nil {
		return nil, fmt.Errorf("init preprocessor: %w", err)
	}
	res, err := orientation.NewResolver(store, b.cfg.Orientation)
	if err != nil {
		return nil, fmt.Errorf("init orientation resolver: %w", err)
	}
	return &Pipeline{cfg: b.cfg, store: store, engine: b.engine, pre: pre, resolver: res}, nil
}

// Pipeline runs one job at a time: load, preprocess, resolve orientation and
// recognize. It is not safe for concurrent Process calls.
type Pipeline struct {
	cfg      Config
	store    *imagestore.Store
	engine   recognizer.Engine
	pre      *preprocess.Preprocessor
	resolver *orientation.Resolver
}

// Close releases the recognition engine.
func (p *Pipeline) Close() error {
	if p.engine == nil {
		return nil
	}
	err := p.engine.Close()
	p.engine = nil
	return err
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Store returns the image store the pipeline allocates from.
func (p *Pipeline) Store() *imagestore.Store { return p.store }

// Info returns key pipeline properties.
func (p *Pipeline) Info() map[string]any {
	return map[string]any{
		"max_pixels":  p.cfg.Preprocess.MaxPixels,
		"debug_dir":   p.cfg.Preprocess.DebugDir,
		"live_images": p.store.Live(),
		"orientation": map[string]any{
			"sample_count": p.cfg.Orientation.SampleCount,
			"threshold":    p.cfg.Orientation.Threshold,
		},
		"detector": map[string]any{
			"max_skew":   p.cfg.Detector.MaxSkew,
			"min_area":   p.cfg.Detector.MinArea,
			"dilate_x":   p.cfg.Detector.DilateX,
			"dilate_y":   p.cfg.Detector.DilateY,
			"min_height": p.cfg.Detector.MinRegionHeight,
		},
		"cleanup": p.cfg.Cleanup,
		"runtime": GetMemStats(),
	}
}
