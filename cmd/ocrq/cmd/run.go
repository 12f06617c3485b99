package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MeKo-Tech/ocrq/internal/config"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/service"
	"github.com/MeKo-Tech/ocrq/internal/sink"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/spf13/cobra"
)

// cliRequester is the requester every job submitted by run belongs to.
const cliRequester task.RequesterID = 1

func newRunCommand(a *app) *cobra.Command {
	var (
		format      string
		cancelAfter int
	)

	runCmd := &cobra.Command{
		Use:   "run <image...>",
		Short: "Recognize text in image files",
		Long: `Enqueue every image as its own job and print region results as they
are recognized. Jobs run one at a time in argument order.

Examples:
  ocrq run scan.png
  ocrq run *.png --format json
  ocrq run page.jpg --language deu --psm single_block
  ocrq run a.png b.png --cancel-after 3`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unsupported format %q (use text or json)", format)
			}
			if cancelAfter < 0 {
				return errors.New("--cancel-after must not be negative")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFiles(ctx, a.cfg, args, runOptions{
				out:         cmd.OutOrStdout(),
				json:        format == "json",
				cancelAfter: cancelAfter,
			})
		},
	}

	runCmd.Flags().StringVarP(&format, "format", "f", "text", "output format (text, json)")
	runCmd.Flags().IntVar(&cancelAfter, "cancel-after", 0, "cancel all jobs after this many region results (0 = never)")
	addRecognitionFlags(a, runCmd)
	return runCmd
}

// addRecognitionFlags adds the per-job parameter overrides shared by run and
// serve.
func addRecognitionFlags(a *app, c *cobra.Command) {
	d := config.DefaultConfig().Recognition
	f := c.Flags()
	f.StringP("language", "l", d.Language, "Tesseract language code(s), e.g. eng or deu+eng")
	f.String("psm", d.PageSegMode, "page segmentation mode (name such as single_line, or 0-13)")
	f.Bool("align", d.AlignText, "straighten skewed text before detection")
	f.Bool("detect", d.DetectText, "detect text regions instead of recognizing the whole image")
	f.Bool("spellcheck", d.Spellcheck, "enable dictionary correction")
	f.String("tessdata", d.TessdataPrefix, "directory containing Tesseract language data")
	a.bind(f.Lookup("language"), "recognition.language")
	a.bind(f.Lookup("psm"), "recognition.page_seg_mode")
	a.bind(f.Lookup("align"), "recognition.align_text")
	a.bind(f.Lookup("detect"), "recognition.detect_text")
	a.bind(f.Lookup("spellcheck"), "recognition.spellcheck")
	a.bind(f.Lookup("tessdata"), "recognition.tessdata_prefix")
}

type runOptions struct {
	out         io.Writer
	json        bool
	cancelAfter int
}

// runEvent is one JSON line of run output.
type runEvent struct {
	Event   string               `json:"event"`
	File    string               `json:"file"`
	Token   task.Token           `json:"token"`
	Result  *recognizer.Result   `json:"result,omitempty"`
	Results []*recognizer.Result `json:"results,omitempty"`
}

// fileRun tracks the jobs of one run invocation. Callbacks arrive on the
// scheduler worker while the command goroutine is still enqueueing.
type fileRun struct {
	svc  *service.Service
	opts runOptions
	enc  *json.Encoder

	mu        sync.Mutex
	files     map[task.Token]string
	pending   map[task.Token]struct{}
	results   int
	cancelled bool
	done      chan struct{}
	closed    bool
}

func newFileRun(svc *service.Service, opts runOptions) *fileRun {
	return &fileRun{
		svc:     svc,
		opts:    opts,
		enc:     json.NewEncoder(opts.out),
		files:   make(map[task.Token]string),
		pending: make(map[task.Token]struct{}),
		done:    make(chan struct{}),
	}
}

// enqueue submits path and records its token before any callback can look
// it up.
func (r *fileRun) enqueue(path string, params *recognizer.Params) task.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	token := r.svc.EnqueueFile(cliRequester, path, params)
	if token != task.InvalidToken {
		r.files[token] = path
		r.pending[token] = struct{}{}
	}
	return token
}

// seal marks the end of submission; done closes once nothing is pending.
func (r *fileRun) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.maybeDoneLocked()
}

func (r *fileRun) maybeDoneLocked() {
	if r.closed && len(r.pending) == 0 {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	}
}

func (r *fileRun) OnResult(token task.Token, result *recognizer.Result) {
	r.mu.Lock()
	file := r.files[token]
	r.results++
	trip := r.opts.cancelAfter > 0 && r.results == r.opts.cancelAfter && !r.cancelled
	if trip {
		r.cancelled = true
	}
	r.print(runEvent{Event: "result", File: file, Token: token, Result: result})
	r.mu.Unlock()

	if trip {
		r.cancelRemaining()
	}
}

func (r *fileRun) OnCompleted(token task.Token, results []*recognizer.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.print(runEvent{Event: "completed", File: r.files[token], Token: token, Results: results})
	delete(r.pending, token)
	r.maybeDoneLocked()
}

// cancelRemaining cancels the active job and forgets queued ones, which
// produce no completion callbacks.
func (r *fileRun) cancelRemaining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	queued := r.svc.Queued(cliRequester)
	r.svc.CancelAll(cliRequester)
	slog.Info("Cancelling remaining jobs", "after_results", r.opts.cancelAfter, "queued", len(queued))
	for _, t := range queued {
		if _, ok := r.pending[t]; ok {
			delete(r.pending, t)
			r.print(runEvent{Event: "cancelled", File: r.files[t], Token: t})
		}
	}
	r.maybeDoneLocked()
}

func (r *fileRun) print(ev runEvent) {
	if r.opts.json {
		if ev.Event == "completed" && ev.Results == nil {
			ev.Results = []*recognizer.Result{}
		}
		if err := r.enc.Encode(ev); err != nil {
			slog.Error("Failed to write result", "error", err)
		}
		return
	}

	var err error
	switch ev.Event {
	case "result":
		b := ev.Result.Box()
		_, err = fmt.Fprintf(r.opts.out, "[%s] (%d,%d %dx%d) conf=%.1f %s\n",
			ev.File, b.Min.X, b.Min.Y, b.Dx(), b.Dy(), ev.Result.AverageConfidence(), ev.Result.Text())
	case "completed":
		_, err = fmt.Fprintf(r.opts.out, "# %s: %d regions\n", ev.File, len(ev.Results))
	case "cancelled":
		_, err = fmt.Fprintf(r.opts.out, "# %s: cancelled\n", ev.File)
	}
	if err != nil {
		slog.Error("Failed to write result", "error", err)
	}
}

// runFiles enqueues every path and waits until each job has completed or
// been cancelled.
func runFiles(ctx context.Context, cfg *config.Config, paths []string, opts runOptions) error {
	svcOpts, err := newServiceOptions(cfg)
	if err != nil {
		return err
	}
	svc, err := service.New(svcOpts)
	if err != nil {
		_ = svcOpts.Engine.Close()
		return fmt.Errorf("failed to initialize service: %w", err)
	}

	run := newFileRun(svc, opts)
	svc.SetListener(cliRequester, run)

	var rejected []string
	params := svc.DefaultParams()
	for _, p := range paths {
		if run.enqueue(p, &params) == task.InvalidToken {
			rejected = append(rejected, p)
		}
	}
	run.seal()

	var interrupted bool
	select {
	case <-run.done:
	case <-ctx.Done():
		interrupted = true
		slog.Warn("Interrupted, cancelling jobs")
	}

	shutdownCtx, cancel := shutdownContext(cfg)
	defer cancel()
	closeErr := svc.Close(shutdownCtx)

	switch {
	case interrupted:
		return errors.New("interrupted")
	case len(rejected) > 0:
		return fmt.Errorf("could not enqueue %d file(s): %v", len(rejected), rejected)
	case closeErr != nil:
		return fmt.Errorf("shutting down: %w", closeErr)
	}
	return nil
}

var _ sink.Listener = (*fileRun)(nil)
