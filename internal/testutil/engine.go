package testutil

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// EngineCall records one Recognize invocation.
type EngineCall struct {
	Region  int // -1 for unmarked images
	Flipped bool
}

// EngineConfiguration records one Configure invocation.
type EngineConfiguration struct {
	Language  string
	Mode      recognizer.PageSegMode
	Variables map[string]string
}

// ScriptedEngine is a recognizer.Engine driven by per-region outputs. It
// identifies regions with RegionID, so it is meant for marked region images.
type ScriptedEngine struct {
	// Forward and Flipped map region ids to outputs for the upright and the
	// 180° rotated region.
	Forward map[int]recognizer.Output
	Flipped map[int]recognizer.Output
	// Default is returned for unmarked images and unscripted regions.
	Default recognizer.Output
	// Errors fail recognition of the given region ids.
	Errors map[int]error
	// PanicOn panics when recognizing the given region ids.
	PanicOn map[int]bool
	// Gate, when set, makes every Recognize call wait for a receive.
	Gate chan struct{}
	// Started, when set, receives each call before it waits on Gate.
	Started chan EngineCall

	mu          sync.Mutex
	calls       []EngineCall
	configured  []EngineConfiguration
	resets      int
	closed      bool
	inFlight    int
	maxInFlight int
}

// NewScriptedEngine returns an engine answering every region with the given
// forward confidence and text "region-<id>", and with flippedConf when
// rotated.
func NewScriptedEngine(n int, forwardConf, flippedConf []int) *ScriptedEngine {
	e := &ScriptedEngine{
		Forward: make(map[int]recognizer.Output, n),
		Flipped: make(map[int]recognizer.Output, n),
	}
	for i := range n {
		e.Forward[i] = recognizer.Output{Text: fmt.Sprintf("region-%d", i), WordConfidences: confAt(forwardConf, i)}
		e.Flipped[i] = recognizer.Output{Text: fmt.Sprintf("flipped-%d", i), WordConfidences: confAt(flippedConf, i)}
	}
	return e
}

func confAt(conf []int, i int) []int {
	if len(conf) == 0 {
		return nil
	}
	if i < len(conf) {
		return []int{conf[i]}
	}
	return []int{conf[len(conf)-1]}
}

// Configure implements recognizer.Engine.
func (e *ScriptedEngine) Configure(lang string, mode recognizer.PageSegMode, variables map[string]string) error {
	if _, err := recognizer.EngineLanguage(lang); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configured = append(e.configured, EngineConfiguration{Language: lang, Mode: mode, Variables: maps.Clone(variables)})
	return nil
}

// Recognize implements recognizer.Engine.
func (e *ScriptedEngine) Recognize(ctx context.Context, h *imagestore.Handle) (recognizer.Output, error) {
	img := h.Image()
	if img == nil {
		return recognizer.Output{}, imagestore.ErrReleased
	}
	id, flipped, ok := RegionID(img)
	call := EngineCall{Region: -1}
	if ok {
		call = EngineCall{Region: id, Flipped: flipped}
	}

	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.inFlight++
	e.maxInFlight = max(e.maxInFlight, e.inFlight)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inFlight--
		e.mu.Unlock()
	}()

	if e.Started != nil {
		e.Started <- call
	}
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return recognizer.Output{}, ctx.Err()
		}
	}

	if !ok {
		return e.Default, nil
	}
	if e.PanicOn[id] && !flipped {
		panic(fmt.Sprintf("scripted panic on region %d", id))
	}
	if err := e.Errors[id]; err != nil && !flipped {
		return recognizer.Output{}, err
	}
	table := e.Forward
	if flipped {
		table = e.Flipped
	}
	if out, found := table[id]; found {
		return out, nil
	}
	return e.Default, nil
}

// Reset implements recognizer.Engine.
func (e *ScriptedEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
}

// Close implements recognizer.Engine.
func (e *ScriptedEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// Calls returns the recorded Recognize calls.
func (e *ScriptedEngine) Calls() []EngineCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EngineCall, len(e.calls))
	copy(out, e.calls)
	return out
}

// Configurations returns the recorded Configure calls.
func (e *ScriptedEngine) Configurations() []EngineConfiguration {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EngineConfiguration, len(e.configured))
	copy(out, e.configured)
	return out
}

// Resets returns how many times Reset was called.
func (e *ScriptedEngine) Resets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// Closed reports whether Close was called.
func (e *ScriptedEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// MaxInFlight returns the highest number of concurrent Recognize calls seen.
func (e *ScriptedEngine) MaxInFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxInFlight
}

var _ recognizer.Engine = (*ScriptedEngine)(nil)
