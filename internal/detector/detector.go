// Package detector finds candidate text regions in a grayscale image and
// estimates the global skew of its text lines.
package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
)

// Config holds detection parameters.
type Config struct {
	MaxSkew         float64 `mapstructure:"max_skew" yaml:"max_skew"`   // degrees searched either way
	SkewStep        float64 `mapstructure:"skew_step" yaml:"skew_step"` // search increment in degrees
	MinRegionHeight int     `mapstructure:"min_region_height" yaml:"min_region_height"`
	MinRegionWidth  int     `mapstructure:"min_region_width" yaml:"min_region_width"`
	MinArea         int     `mapstructure:"min_area" yaml:"min_area"`
	DilateX         int     `mapstructure:"dilate_x" yaml:"dilate_x"` // horizontal merge radius
	DilateY         int     `mapstructure:"dilate_y" yaml:"dilate_y"` // vertical merge radius
	Padding         int     `mapstructure:"padding" yaml:"padding"`
}

// DefaultConfig returns a default detector configuration.
func DefaultConfig() Config {
	return Config{
		MaxSkew:         10,
		SkewStep:        0.5,
		MinRegionHeight: 6,
		MinRegionWidth:  6,
		MinArea:         48,
		DilateX:         6,
		DilateY:         1,
		Padding:         3,
	}
}

// Validate checks the configuration for impossible values.
func (c Config) Validate() error {
	if c.MaxSkew < 0 || c.MaxSkew > 45 {
		return fmt.Errorf("max_skew must be within [0,45], got %v", c.MaxSkew)
	}
	if c.MaxSkew > 0 && c.SkewStep <= 0 {
		return errors.New("skew_step must be positive when max_skew is set")
	}
	if c.MinRegionHeight < 0 || c.MinRegionWidth < 0 || c.MinArea < 0 {
		return errors.New("minimum region sizes must not be negative")
	}
	if c.DilateX < 0 || c.DilateY < 0 || c.Padding < 0 {
		return errors.New("dilation and padding must not be negative")
	}
	return nil
}

// Region is a candidate text area. Box is in the coordinate space of the
// image passed to Detect. The holder owns Image and must release it.
type Region struct {
	Image *imagestore.Handle
	Box   image.Rectangle
}

// Release releases every region image.
func Release(regions []Region) {
	for _, r := range regions {
		if err := r.Image.Close(); err != nil {
			slog.Debug("Region release failed", "error", err)
		}
	}
}

// Detector performs classical text-area detection.
type Detector struct {
	config Config
	store  *imagestore.Store
}

// New creates a detector that allocates region crops from store.
func New(store *imagestore.Store, config Config) (*Detector, error) {
	if store == nil {
		return nil, errors.New("detector: nil image store")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	return &Detector{config: config, store: store}, nil
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.config }

// Detect returns regions ordered top-to-bottom (then left-to-right) together
// with the estimated skew in degrees, counter-clockwise positive. h is not
// consumed. Finding no text is not an error.
func (d *Detector) Detect(ctx context.Context, h *imagestore.Handle) ([]Region, float64, error) {
	start := time.Now()
	img := h.Image()
	if img == nil {
		return nil, 0, imagestore.ErrReleased
	}
	g := imagestore.ToGray(img)
	w, ht := g.Bounds().Dx(), g.Bounds().Dy()

	ink := inkMask(g)
	skew := estimateSkew(ink, w, ht, d.config.MaxSkew, d.config.SkewStep)
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	merged := dilate(ink, w, ht, d.config.DilateX, d.config.DilateY)
	boxes := d.filter(components(merged, ink, w, ht), w, ht)
	sort.SliceStable(boxes, func(i, j int) bool {
		if boxes[i].Min.Y != boxes[j].Min.Y {
			return boxes[i].Min.Y < boxes[j].Min.Y
		}
		return boxes[i].Min.X < boxes[j].Min.X
	})

	regions := make([]Region, 0, len(boxes))
	for _, box := range boxes {
		crop, err := d.store.Crop(h, box)
		if err != nil {
			Release(regions)
			return nil, 0, fmt.Errorf("crop region %v: %w", box, err)
		}
		regions = append(regions, Region{Image: crop, Box: box})
	}

	slog.Debug("Detection completed",
		"width", w, "height", ht,
		"regions", len(regions),
		"skew", skew,
		"duration_ms", time.Since(start).Milliseconds())
	return regions, skew, nil
}

// filter pads boxes, clips them to the image and drops the ones that are too
// small to hold text.
func (d *Detector) filter(boxes []image.Rectangle, w, h int) []image.Rectangle {
	bounds := image.Rect(0, 0, w, h)
	out := boxes[:0]
	for _, b := range boxes {
		if b.Dx() < d.config.MinRegionWidth || b.Dy() < d.config.MinRegionHeight {
			continue
		}
		if b.Dx()*b.Dy() < d.config.MinArea {
			continue
		}
		p := d.config.Padding
		out = append(out, image.Rect(b.Min.X-p, b.Min.Y-p, b.Max.X+p, b.Max.Y+p).Intersect(bounds))
	}
	return out
}

// inkMask binarizes g with Otsu's level. Ink is the darker class unless it
// covers more than half of the image, in which case the image is treated as
// light text on a dark background.
func inkMask(g *image.Gray) []bool {
	w, h := g.Bounds().Dx(), g.Bounds().Dy()
	level := imagestore.OtsuLevel(g)
	mask := make([]bool, w*h)
	count := 0
	for y := range h {
		row := g.Pix[y*g.Stride : y*g.Stride+w]
		for x, v := range row {
			if v <= level {
				mask[y*w+x] = true
				count++
			}
		}
	}
	if count*2 > len(mask) {
		for i := range mask {
			mask[i] = !mask[i]
		}
	}
	return mask
}
