// Package tesseract implements recognizer.Engine on top of the Tesseract
// library via gosseract.
package tesseract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/otiai10/gosseract/v2"
)

// Config holds engine-level settings that do not change per job.
type Config struct {
	// TessdataPrefix overrides the traineddata directory (empty = library default).
	TessdataPrefix string
}

// Engine is a single Tesseract client reused across jobs.
type Engine struct {
	cfg    Config
	client *gosseract.Client
	vars   map[string]string
}

// New creates a Tesseract-backed engine.
func New(cfg Config) *Engine {
	c := gosseract.NewClient()
	if cfg.TessdataPrefix != "" {
		c.TessdataPrefix = cfg.TessdataPrefix
	}
	return &Engine{cfg: cfg, client: c}
}

// Configure sets language, page segmentation mode and tuning variables.
func (e *Engine) Configure(lang string, mode recognizer.PageSegMode, variables map[string]string) error {
	if e.client == nil {
		return errors.New("tesseract engine closed")
	}
	code, err := recognizer.EngineLanguage(lang)
	if err != nil {
		return err
	}
	if err := e.client.SetLanguage(strings.Split(code, "+")...); err != nil {
		return fmt.Errorf("set language %s: %w", code, err)
	}
	if err := e.client.SetPageSegMode(gosseract.PageSegMode(mode)); err != nil {
		return fmt.Errorf("set page seg mode %s: %w", mode, err)
	}
	for k, v := range variables {
		if err := e.client.SetVariable(gosseract.SettableVariable(k), v); err != nil {
			return fmt.Errorf("set variable %s: %w", k, err)
		}
	}
	e.vars = variables
	slog.Debug("Tesseract configured", "language", code, "psm", mode.String(), "variables", len(variables))
	return nil
}

// Recognize runs recognition over h and returns the text and word confidences.
func (e *Engine) Recognize(ctx context.Context, h *imagestore.Handle) (recognizer.Output, error) {
	if e.client == nil {
		return recognizer.Output{}, errors.New("tesseract engine closed")
	}
	if err := ctx.Err(); err != nil {
		return recognizer.Output{}, err
	}
	data, err := imagestore.EncodePNG(h)
	if err != nil {
		return recognizer.Output{}, err
	}
	if err := e.client.SetImageFromBytes(data); err != nil {
		return recognizer.Output{}, fmt.Errorf("set image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return recognizer.Output{}, fmt.Errorf("recognize text: %w", err)
	}
	out := recognizer.Output{Text: strings.TrimSpace(text)}
	if out.Text == "" {
		return out, nil
	}
	boxes, err := e.client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return recognizer.Output{}, fmt.Errorf("word boxes: %w", err)
	}
	out.WordConfidences = wordConfidences(boxes)
	return out, nil
}

// Reset clears variables configured for the previous job.
func (e *Engine) Reset() {
	if e.client == nil {
		return
	}
	// gosseract keeps variables on the client; restore library defaults by
	// recreating it when the last job changed any.
	if len(e.vars) == 0 {
		return
	}
	if err := e.client.Close(); err != nil {
		slog.Warn("Closing tesseract client failed", "error", err)
	}
	e.client = gosseract.NewClient()
	if e.cfg.TessdataPrefix != "" {
		e.client.TessdataPrefix = e.cfg.TessdataPrefix
	}
	e.vars = nil
}

// Close releases the underlying Tesseract client.
func (e *Engine) Close() error {
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	return err
}

func wordConfidences(boxes []gosseract.BoundingBox) []int {
	out := make([]int, 0, len(boxes))
	for _, b := range boxes {
		if strings.TrimSpace(b.Word) == "" {
			continue
		}
		out = append(out, clampConfidence(b.Confidence))
	}
	return out
}

func clampConfidence(c float64) int {
	v := int(math.Round(c))
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
