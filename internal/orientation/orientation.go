// Package orientation decides whether a page is upside down by sampling the
// recognition confidence of its leading regions in both orientations, then
// recognizes the remaining regions in the winning orientation.
package orientation

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"slices"

	"github.com/MeKo-Tech/ocrq/internal/detector"
	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var decisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "ocrq_orientation_decisions_total",
		Help: "Orientation decisions by result",
	},
	[]string{"orientation"}, // orientation: forward, flipped, undecided
)

// Config controls orientation sampling.
type Config struct {
	// SampleCount is how many leading regions are sampled.
	SampleCount int `mapstructure:"sample_count" yaml:"sample_count"`
	// Threshold is the average confidence at or above which the forward
	// orientation is accepted without trying the flipped one.
	Threshold float64 `mapstructure:"threshold" yaml:"threshold"`
}

// DefaultConfig provides the standard sampling parameters.
func DefaultConfig() Config {
	return Config{SampleCount: 3, Threshold: 75.0}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SampleCount < 1 {
		return fmt.Errorf("sample_count must be at least 1, got %d", c.SampleCount)
	}
	if c.Threshold < 0 || c.Threshold > 100 || math.IsNaN(c.Threshold) {
		return fmt.Errorf("threshold must be within [0,100], got %v", c.Threshold)
	}
	return nil
}

// Placement maps region boxes back to the original image.
type Placement struct {
	// Scale is the preprocessing downscale factor in (0,1]; boxes are divided by it.
	Scale float64
	// Angle is the estimated skew in degrees.
	Angle float64
}

// MapBox converts a box in preprocessed coordinates to original coordinates.
func (p Placement) MapBox(b image.Rectangle) image.Rectangle {
	if p.Scale <= 0 || p.Scale == 1 {
		return b
	}
	f := func(v int) int { return int(math.Round(float64(v) / p.Scale)) }
	return image.Rect(f(b.Min.X), f(b.Min.Y), f(b.Max.X), f(b.Max.Y))
}

// Hooks connect the resolver to its job.
type Hooks struct {
	// Cancelled is polled before and after every recognition call.
	Cancelled func() bool
	// Emit receives each result once, in final order.
	Emit func(*recognizer.Result)
}

// Outcome is the result of Resolve.
type Outcome struct {
	Results    []*recognizer.Result
	Flipped    bool
	Cancelled  bool
	Sampled    int
	ForwardAvg float64
	FlippedAvg float64
}

// Resolver runs the orientation protocol.
type Resolver struct {
	cfg   Config
	store *imagestore.Store
}

// NewResolver creates a resolver. store provides the scratch handles for
// rotated samples.
func NewResolver(store *imagestore.Store, cfg Config) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("orientation: nil image store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid orientation config: %w", err)
	}
	return &Resolver{cfg: cfg, store: store}, nil
}

// Config returns the resolver configuration.
func (r *Resolver) Config() Config { return r.cfg }

// Resolve recognizes regions with eng, choosing the orientation from the
// leading samples. It takes ownership of regions and releases every region
// image before returning. On cancellation or an engine error it returns the
// results produced so far; results already handed to Emit are always the
// prefix of Outcome.Results.
func (r *Resolver) Resolve(ctx context.Context, regions []detector.Region, eng recognizer.Engine,
	place Placement, hooks Hooks,
) (Outcome, error) {
	defer detector.Release(regions)

	var out Outcome
	if len(regions) == 0 {
		return out, nil
	}
	run := &resolveRun{r: r, ctx: ctx, eng: eng, place: place, hooks: hooks}

	n := min(r.cfg.SampleCount, len(regions))
	out.Sampled = n
	forward, err := run.sample(regions[:n], false)
	out.ForwardAvg = averageConfidence(forward)
	if err != nil || run.stopped() || len(forward) < n {
		decisionsTotal.WithLabelValues("undecided").Inc()
		return run.finish(out, forward, err), err
	}

	if out.ForwardAvg >= r.cfg.Threshold {
		decisionsTotal.WithLabelValues("forward").Inc()
		return run.rest(out, forward, regions, n, false)
	}

	flipped, err := run.sample(regions[:n], true)
	out.FlippedAvg = averageConfidence(flipped)
	if err != nil || run.stopped() || len(flipped) < n {
		decisionsTotal.WithLabelValues("undecided").Inc()
		return run.finish(out, forward, err), err
	}

	slog.Debug("Orientation sampled",
		"samples", n,
		"forward_avg", out.ForwardAvg,
		"flipped_avg", out.FlippedAvg,
		"threshold", r.cfg.Threshold)

	if out.FlippedAvg > out.ForwardAvg {
		decisionsTotal.WithLabelValues("flipped").Inc()
		return run.rest(out, flipped, regions, n, true)
	}
	decisionsTotal.WithLabelValues("forward").Inc()
	return run.rest(out, forward, regions, n, false)
}

type resolveRun struct {
	r     *Resolver
	ctx   context.Context
	eng   recognizer.Engine
	place Placement
	hooks Hooks
}

func (run *resolveRun) stopped() bool {
	if run.ctx.Err() != nil {
		return true
	}
	return run.hooks.Cancelled != nil && run.hooks.Cancelled()
}

// sample recognizes the given regions, stopping early on cancellation or
// error. Region handles stay open for a possible second pass.
func (run *resolveRun) sample(regions []detector.Region, rotated bool) ([]*recognizer.Result, error) {
	out := make([]*recognizer.Result, 0, len(regions))
	for _, reg := range regions {
		if run.stopped() {
			return out, nil
		}
		res, err := run.recognize(reg, rotated)
		if err != nil {
			return out, err
		}
		out = append(out, res)
		if run.stopped() {
			return out, nil
		}
	}
	return out, nil
}

// rest recognizes regions[n:] in the chosen orientation after the samples.
func (run *resolveRun) rest(out Outcome, samples []*recognizer.Result, regions []detector.Region,
	n int, flipped bool,
) (Outcome, error) {
	results := samples
	if !flipped {
		for _, res := range samples {
			run.emit(res)
		}
	}
	var err error
	for _, reg := range regions[n:] {
		if run.stopped() {
			break
		}
		var res *recognizer.Result
		res, err = run.recognize(reg, flipped)
		_ = reg.Image.Close()
		if err != nil {
			break
		}
		if !res.Empty() {
			results = append(results, res)
			if !flipped {
				run.emit(res)
			}
		}
		if run.stopped() {
			break
		}
	}
	if flipped {
		slices.Reverse(results)
		for _, res := range results {
			run.emit(res)
		}
	}
	out.Results = results
	out.Flipped = flipped
	out.Cancelled = run.stopped()
	return out, err
}

// finish emits the samples gathered before a decision could be made.
func (run *resolveRun) finish(out Outcome, samples []*recognizer.Result, err error) Outcome {
	for _, res := range samples {
		run.emit(res)
	}
	out.Results = samples
	out.Cancelled = run.stopped()
	if err != nil {
		slog.Debug("Orientation sampling aborted", "error", err, "results", len(samples))
	}
	return out
}

func (run *resolveRun) emit(res *recognizer.Result) {
	if run.hooks.Emit != nil {
		run.hooks.Emit(res)
	}
}

func (run *resolveRun) recognize(reg detector.Region, rotated bool) (*recognizer.Result, error) {
	h := reg.Image
	angle := run.place.Angle
	if rotated {
		rot, err := run.rotated(h)
		if err != nil {
			return nil, err
		}
		defer func() { _ = rot.Close() }()
		h = rot
		angle += 180
	}
	o, err := run.eng.Recognize(run.ctx, h)
	if err != nil {
		return nil, fmt.Errorf("recognize region %v: %w", reg.Box, err)
	}
	return recognizer.NewResult(run.place.MapBox(reg.Box), o.Text, o.WordConfidences, angle), nil
}

// rotated returns a 180° rotated copy of h, leaving h open.
func (run *resolveRun) rotated(h *imagestore.Handle) (*imagestore.Handle, error) {
	b := h.Bounds()
	c, err := run.r.store.Crop(h, image.Rect(0, 0, b.Dx(), b.Dy()))
	if err != nil {
		return nil, fmt.Errorf("copy region: %w", err)
	}
	rot, err := run.r.store.Rotate(c, 180)
	if err != nil {
		return nil, fmt.Errorf("rotate region: %w", err)
	}
	return rot, nil
}

func averageConfidence(results []*recognizer.Result) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.AverageConfidence()
	}
	return sum / float64(len(results))
}
