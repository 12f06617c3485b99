package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/orientation"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
)

var errClosed = errors.New("pipeline closed")

// Process implements task.Processor. Results are emitted in final order as
// they become available; on cancellation or error the results produced so
// far are returned.
func (p *Pipeline) Process(ctx context.Context, job *task.Job, emit func(*recognizer.Result)) ([]*recognizer.Result, error) {
	if p.engine == nil {
		return nil, errClosed
	}
	start := time.Now()
	params := job.Params
	lang, err := recognizer.EngineLanguage(params.Language)
	if err != nil {
		return nil, err
	}
	if err := p.engine.Configure(lang, params.PageSegMode, params.EngineVariables()); err != nil {
		return nil, fmt.Errorf("configure engine: %w", err)
	}
	defer p.engine.Reset()

	h, err := p.load(job.Source)
	if err != nil {
		return nil, err
	}
	size := h.Bounds().Size()

	prep, err := p.pre.Prepare(ctx, h, params, strconv.FormatInt(int64(job.Token), 10))
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}

	eng := recognizer.WithCleanup(p.engine, p.cfg.Cleanup, lang)
	out, err := p.resolver.Resolve(ctx, prep.Regions, eng,
		orientation.Placement{Scale: prep.Scale, Angle: prep.Angle},
		orientation.Hooks{Cancelled: job.Cancelled, Emit: emit})

	slog.Debug("Job processed",
		"token", job.Token,
		"width", size.X,
		"height", size.Y,
		"regions", len(prep.Regions),
		"results", len(out.Results),
		"flipped", out.Flipped,
		"cancelled", out.Cancelled,
		"duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		return out.Results, fmt.Errorf("recognize: %w", err)
	}
	return out.Results, nil
}

func (p *Pipeline) load(src task.Source) (*imagestore.Handle, error) {
	if src.IsFile() {
		h, err := p.store.LoadFromFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", src.Path, err)
		}
		return h, nil
	}
	h, err := p.store.LoadFromBytes(src.Data)
	if err != nil {
		return nil, fmt.Errorf("decode image data: %w", err)
	}
	return h, nil
}

var _ task.Processor = (*Pipeline)(nil)
