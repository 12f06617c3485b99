package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// Processor runs one job to completion. emit must be called once per result,
// in final order. Process is only ever called from the scheduler worker.
type Processor interface {
	Process(ctx context.Context, job *Job, emit func(*recognizer.Result)) ([]*recognizer.Result, error)
	Close() error
}

// Sink receives job output.
type Sink interface {
	PartialResult(requester RequesterID, token Token, result *recognizer.Result)
	Completed(requester RequesterID, token Token, results []*recognizer.Result)
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	Queued          int         `json:"queued"`
	Active          Token       `json:"active_token"`
	ActiveRequester RequesterID `json:"active_requester"`
	Enqueued        uint64      `json:"enqueued"`
	Rejected        uint64      `json:"rejected"`
	Completed       uint64      `json:"completed"`
	Cancelled       uint64      `json:"cancelled"`
	Failed          uint64      `json:"failed"`
	Removed         uint64      `json:"removed"`
	ShutDown        bool        `json:"shut_down"`
}

// Scheduler is a FIFO queue drained by a single worker goroutine. At most
// one job is active at a time. mu guards queue, active and closed and is never
// held while a job runs.
type Scheduler struct {
	proc Processor
	sink Sink

	mu     sync.Mutex
	queue  []*Job
	active *Job
	closed bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	nextToken atomic.Int64

	enqueued  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	failed    atomic.Uint64
	removed   atomic.Uint64
}

// NewScheduler starts a scheduler worker that runs jobs with proc and
// delivers output to sink.
func NewScheduler(proc Processor, sink Sink) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		proc:   proc,
		sink:   sink,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go s.run()
	return s
}

// Enqueue appends a job to the queue and returns its token, or InvalidToken
// when the input is rejected or the scheduler has shut down. It never blocks
// on recognition work.
func (s *Scheduler) Enqueue(requester RequesterID, src Source, params *recognizer.Params) Token {
	if params == nil {
		s.reject(requester, fmt.Errorf("%w: nil params", ErrInvalidInput))
		return InvalidToken
	}
	if err := src.Validate(); err != nil {
		s.reject(requester, err)
		return InvalidToken
	}
	if !src.IsFile() {
		src = DataSource(src.Data)
	}
	job := &Job{
		Requester: requester,
		Source:    src,
		Params:    params.Clone(),
		Enqueued:  time.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reject(requester, ErrShutdown)
		return InvalidToken
	}
	job.Token = Token(s.nextToken.Add(1))
	s.queue = append(s.queue, job)
	depth := len(s.queue)
	s.mu.Unlock()

	s.enqueued.Add(1)
	queueDepth.Set(float64(depth))
	slog.Debug("Job enqueued", "requester", requester, "token", job.Token, "queue_depth", depth, "file", src.IsFile())
	s.signal()
	return job.Token
}

func (s *Scheduler) reject(requester RequesterID, err error) {
	s.rejected.Add(1)
	reason := "invalid_input"
	switch {
	case errors.Is(err, ErrUnreadableSource):
		reason = "unreadable_source"
	case errors.Is(err, ErrShutdown):
		reason = "shutdown"
	}
	enqueueRejected.WithLabelValues(reason).Inc()
	slog.Warn("Enqueue rejected", "requester", requester, "reason", reason, "error", err)
}

// Cancel cancels the job identified by (requester, token). An active job is
// flagged and stops at its next region checkpoint; a queued job is removed
// immediately and produces no callbacks. It returns false when nothing
// matched or the job was already being cancelled.
func (s *Scheduler) Cancel(requester RequesterID, token Token) bool {
	if token == InvalidToken {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if a := s.active; a != nil && a.Requester == requester && a.Token == token {
		ok := a.requestCancel()
		if ok {
			slog.Debug("Active job cancellation requested", "requester", requester, "token", token)
		}
		return ok
	}
	for i, j := range s.queue {
		if j.Requester == requester && j.Token == token {
			s.queue = slices.Delete(s.queue, i, i+1)
			s.dropLocked(j)
			queueDepth.Set(float64(len(s.queue)))
			slog.Debug("Queued job removed", "requester", requester, "token", token)
			return true
		}
	}
	return false
}

// CancelAll cancels the requester's active job and removes all of its queued
// jobs. It reports whether any job was affected.
func (s *Scheduler) CancelAll(requester RequesterID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := false
	if a := s.active; a != nil && a.Requester == requester && a.requestCancel() {
		affected = true
	}
	kept := s.queue[:0]
	removed := 0
	for _, j := range s.queue {
		if j.Requester == requester {
			s.dropLocked(j)
			removed++
			continue
		}
		kept = append(kept, j)
	}
	clear(s.queue[len(kept):])
	s.queue = kept
	queueDepth.Set(float64(len(s.queue)))
	if removed > 0 {
		affected = true
	}
	if affected {
		slog.Debug("Requester jobs cancelled", "requester", requester, "removed_queued", removed)
	}
	return affected
}

// Abort removes every queued job without touching the active one.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	n := s.abortLocked()
	s.mu.Unlock()
	if n > 0 {
		slog.Info("Queue aborted", "removed", n)
	}
}

func (s *Scheduler) abortLocked() int {
	n := len(s.queue)
	for _, j := range s.queue {
		s.dropLocked(j)
	}
	s.queue = nil
	queueDepth.Set(0)
	return n
}

// dropLocked finalizes a job that never started.
func (s *Scheduler) dropLocked(j *Job) {
	j.cancelled.Store(true)
	j.setState(StateCompleted)
	s.removed.Add(1)
	jobsTotal.WithLabelValues(outcomeRemoved).Inc()
}

// Shutdown aborts the queue, cancels the active job, waits for the worker to
// finish it and closes the processor. If ctx expires first the running job's
// context is cancelled and ctx's error is returned; the processor is then left
// open because the worker may still be inside it. Subsequent Enqueue calls
// return InvalidToken.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	dropped := s.abortLocked()
	active := s.active
	s.mu.Unlock()

	if active != nil {
		active.requestCancel()
	}
	close(s.quit)
	slog.Info("Scheduler shutting down", "dropped_queued", dropped, "active", active != nil)

	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("waiting for worker: %w", ctx.Err())
	}
	s.cancel()
	if err := s.proc.Close(); err != nil {
		return fmt.Errorf("close processor: %w", err)
	}
	return nil
}

// Snapshot returns current queue statistics.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	st := Stats{Queued: len(s.queue), ShutDown: s.closed}
	if s.active != nil {
		st.Active = s.active.Token
		st.ActiveRequester = s.active.Requester
	}
	s.mu.Unlock()
	st.Enqueued = s.enqueued.Load()
	st.Rejected = s.rejected.Load()
	st.Completed = s.completed.Load()
	st.Cancelled = s.cancelled.Load()
	st.Failed = s.failed.Load()
	st.Removed = s.removed.Load()
	return st
}

// Queued returns the tokens of the requester's queued jobs in queue order.
func (s *Scheduler) Queued(requester RequesterID) []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Token
	for _, j := range s.queue {
		if j.Requester == requester {
			out = append(out, j.Token)
		}
	}
	return out
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		if job := s.next(); job != nil {
			s.execute(job)
			continue
		}
		select {
		case <-s.wake:
		case <-s.quit:
			return
		}
	}
}

// next pops the queue head and makes it the active job.
func (s *Scheduler) next() *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	job := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.active = job
	job.setState(StateActive)
	queueDepth.Set(float64(len(s.queue)))
	return job
}

// execute runs the active job and always clears the active slot, whatever the
// job does.
func (s *Scheduler) execute(job *Job) {
	start := time.Now()
	queueWait.Observe(start.Sub(job.Enqueued).Seconds())
	slog.Debug("Job started", "requester", job.Requester, "token", job.Token)

	var emitted []*recognizer.Result
	emit := func(r *recognizer.Result) {
		emitted = append(emitted, r)
		resultsTotal.Inc()
		s.sink.PartialResult(job.Requester, job.Token, r)
	}

	results, err := s.process(job, emit)
	if results == nil {
		results = emitted
	}
	if results == nil {
		results = []*recognizer.Result{}
	}

	outcome := outcomeCompleted
	switch {
	case err != nil && !job.Cancelled():
		outcome = outcomeFailed
		s.failed.Add(1)
		slog.Error("Job failed", "requester", job.Requester, "token", job.Token, "results", len(results), "error", err)
	case job.Cancelled():
		outcome = outcomeCancelled
		s.cancelled.Add(1)
	default:
		s.completed.Add(1)
	}
	jobsTotal.WithLabelValues(outcome).Inc()
	jobDuration.Observe(time.Since(start).Seconds())

	// Finish the job before delivery so a listener cancelling from inside
	// OnCompleted sees it as gone.
	s.mu.Lock()
	job.setState(StateCompleted)
	s.active = nil
	s.mu.Unlock()

	s.deliverCompleted(job, results)

	slog.Debug("Job finished", "requester", job.Requester, "token", job.Token,
		"outcome", outcome, "results", len(results), "duration_ms", time.Since(start).Milliseconds())
}

func (s *Scheduler) process(job *Job, emit func(*recognizer.Result)) (results []*recognizer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Job panicked", "token", job.Token, "panic", r, "stack", string(debug.Stack()))
			results = nil
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.proc.Process(s.ctx, job, emit)
}

func (s *Scheduler) deliverCompleted(job *Job, results []*recognizer.Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Completion delivery panicked", "token", job.Token, "panic", r)
		}
	}()
	s.sink.Completed(job.Requester, job.Token, results)
}
