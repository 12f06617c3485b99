// Package preprocess normalizes a source image for recognition and splits it
// into ordered candidate text regions.
package preprocess

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// DefaultMaxPixels is the pixel area above which images are downscaled.
const DefaultMaxPixels = 1280 * 720

// RegionDetector finds text regions. Regions must come back ordered
// top-to-bottom; the input handle is not consumed.
type RegionDetector interface {
	Detect(ctx context.Context, h *imagestore.Handle) ([]detector.Region, float64, error)
}

// Config controls preprocessing.
type Config struct {
	MaxPixels int `mapstructure:"max_pixels" yaml:"max_pixels"`
	// MinAlignAngle is the smallest skew, in degrees, worth deskewing.
	MinAlignAngle float64 `mapstructure:"min_align_angle" yaml:"min_align_angle"`
	// DebugDir receives intermediate images for jobs with Debug set.
	DebugDir string `mapstructure:"debug_dir" yaml:"debug_dir"`
}

// DefaultConfig returns the default preprocessing configuration.
func DefaultConfig() Config {
	return Config{
		MaxPixels:     DefaultMaxPixels,
		MinAlignAngle: 0.5,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxPixels <= 0 {
		return fmt.Errorf("max_pixels must be positive, got %d", c.MaxPixels)
	}
	if c.MinAlignAngle < 0 {
		return fmt.Errorf("min_align_angle must not be negative, got %v", c.MinAlignAngle)
	}
	return nil
}

// Prepared is the output of Prepare.
type Prepared struct {
	// Regions are ordered top-to-bottom; the caller owns their images.
	Regions []detector.Region
	// Scale is the downscale factor applied; boxes map back by dividing by it.
	Scale float64
	// Angle is the detected skew in degrees.
	Angle float64
	// Size is the normalized image size the region boxes refer to.
	Size image.Point
}

// Preprocessor runs normalization and region detection.
type Preprocessor struct {
	cfg   Config
	store *imagestore.Store
	det   RegionDetector
}

// New creates a preprocessor.
func New(store *imagestore.Store, det RegionDetector, cfg Config) (*Preprocessor, error) {
	if store == nil || det == nil {
		return nil, errors.New("preprocess: store and detector are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preprocess config: %w", err)
	}
	return &Preprocessor{cfg: cfg, store: store, det: det}, nil
}

// Prepare consumes h and returns its regions. debugKey names the debug
// subdirectory when params.Debug is set. Finding no text is not an error.
func (p *Preprocessor) Prepare(ctx context.Context, h *imagestore.Handle, params recognizer.Params,
	debugKey string,
) (Prepared, error) {
	start := time.Now()
	out := Prepared{Scale: 1}
	dump := p.dumper(params, debugKey)
	defer func() { _ = h.Close() }()

	var err error
	dump("source", h)
	if !imagestore.IsGray(h.Image()) {
		if h, err = p.store.ConvertTo8bpp(h); err != nil {
			return out, fmt.Errorf("normalize depth: %w", err)
		}
		dump("gray", h)
	}

	b := h.Bounds()
	if area := b.Dx() * b.Dy(); area > p.cfg.MaxPixels {
		f := math.Sqrt(float64(p.cfg.MaxPixels) / float64(area))
		if h, err = p.store.Scale(h, f); err != nil {
			return out, fmt.Errorf("downscale: %w", err)
		}
		out.Scale = f
		dump("scaled", h)
	}
	out.Size = h.Bounds().Size()

	if !params.DetectText {
		region := detector.Region{Image: h, Box: image.Rectangle{Max: out.Size}}
		h = nil
		out.Regions = []detector.Region{region}
		slog.Debug("Preprocessing completed", "detect_text", false, "scale", out.Scale)
		return out, nil
	}

	regions, angle, err := p.det.Detect(ctx, h)
	if err != nil {
		return out, fmt.Errorf("detect regions: %w", err)
	}
	out.Angle = angle

	if params.AlignText && math.Abs(angle) >= p.cfg.MinAlignAngle {
		detector.Release(regions)
		if h, err = p.store.Rotate(h, -angle); err != nil {
			return out, fmt.Errorf("deskew: %w", err)
		}
		dump("aligned", h)
		out.Size = h.Bounds().Size()
		if regions, _, err = p.det.Detect(ctx, h); err != nil {
			return out, fmt.Errorf("detect aligned regions: %w", err)
		}
	}

	for i, r := range regions {
		dump(fmt.Sprintf("region-%02d", i), r.Image)
	}
	out.Regions = regions

	slog.Debug("Preprocessing completed",
		"regions", len(regions),
		"scale", out.Scale,
		"angle", angle,
		"aligned", params.AlignText,
		"duration_ms", time.Since(start).Milliseconds())
	return out, nil
}

// dumper returns a function persisting intermediate images when debugging is
// enabled for the job, and a no-op otherwise. Failures are logged only.
func (p *Preprocessor) dumper(params recognizer.Params, key string) func(stage string, h *imagestore.Handle) {
	if !params.Debug || p.cfg.DebugDir == "" {
		return func(string, *imagestore.Handle) {}
	}
	if key == "" {
		key = "job"
	}
	dir := filepath.Join(p.cfg.DebugDir, key)
	n := 0
	return func(stage string, h *imagestore.Handle) {
		n++
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s.png", n, stage))
		if err := imagestore.SavePNG(h, path); err != nil {
			slog.Warn("Debug image not written", "path", path, "error", err)
		}
	}
}
