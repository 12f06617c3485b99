// Package service is the boundary callers use to submit recognition jobs,
// cancel them and receive results.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/pipeline"
	"github.com/MeKo-Tech/ocrq/internal/preprocess"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/sink"
	"github.com/MeKo-Tech/ocrq/internal/task"
)

// Options configure a Service.
type Options struct {
	// Pipeline configures preprocessing, detection and orientation. The zero
	// value selects pipeline.DefaultConfig.
	Pipeline pipeline.Config
	// Engine is the recognition engine. Required; the service closes it.
	Engine recognizer.Engine
	// Detector overrides the region detector built from Pipeline.Detector.
	Detector preprocess.RegionDetector
	// Store shares an image store; a private one is created when nil.
	Store *imagestore.Store
	// Defaults are the parameters handed out by DefaultParams.
	Defaults *recognizer.Params
}

// Stats is a point-in-time view of the service.
type Stats struct {
	task.Stats
	LiveImages int `json:"live_images"`
	Listeners  int `json:"listeners"`
}

// Service owns the pipeline, the scheduler and the listener registry.
type Service struct {
	store    *imagestore.Store
	pipe     *pipeline.Pipeline
	sched    *task.Scheduler
	reg      *sink.Registry
	defaults recognizer.Params
}

// New builds the pipeline and starts the scheduler worker.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, errors.New("service: recognition engine is required")
	}
	if opts.Pipeline == (pipeline.Config{}) {
		opts.Pipeline = pipeline.DefaultConfig()
	}
	store := opts.Store
	if store == nil {
		store = imagestore.New()
	}
	b := pipeline.NewBuilder().
		WithConfig(opts.Pipeline).
		WithStore(store).
		WithEngine(opts.Engine)
	if opts.Detector != nil {
		b.WithDetector(opts.Detector)
	}
	pipe, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	defaults := recognizer.DefaultParams()
	if opts.Defaults != nil {
		defaults = opts.Defaults.Clone()
	}
	reg := sink.NewRegistry()
	s := &Service{
		store:    store,
		pipe:     pipe,
		sched:    task.NewScheduler(pipe, reg),
		reg:      reg,
		defaults: defaults,
	}
	slog.Info("Service started",
		"max_pixels", opts.Pipeline.Preprocess.MaxPixels,
		"sample_count", opts.Pipeline.Orientation.SampleCount,
		"threshold", opts.Pipeline.Orientation.Threshold,
		"language", defaults.Language)
	return s, nil
}

// DefaultParams returns a copy of the configured default parameters.
func (s *Service) DefaultParams() recognizer.Params { return s.defaults.Clone() }

// EnqueueData queues recognition of encoded image bytes. The bytes are
// copied. It returns task.InvalidToken for empty data, nil params or after
// Close.
func (s *Service) EnqueueData(requester task.RequesterID, data []byte, params *recognizer.Params) task.Token {
	return s.sched.Enqueue(requester, task.Source{Data: data}, params)
}

// EnqueueFile queues recognition of an image file. The file must exist and
// be readable at enqueue time; it is read when the job runs.
func (s *Service) EnqueueFile(requester task.RequesterID, path string, params *recognizer.Params) task.Token {
	if path == "" {
		return s.sched.Enqueue(requester, task.Source{}, params)
	}
	return s.sched.Enqueue(requester, task.FileSource(path), params)
}

// Cancel cancels one job of requester.
func (s *Service) Cancel(requester task.RequesterID, token task.Token) bool {
	return s.sched.Cancel(requester, token)
}

// CancelAll cancels every job of requester.
func (s *Service) CancelAll(requester task.RequesterID) bool {
	return s.sched.CancelAll(requester)
}

// Queued returns requester's queued tokens in dispatch order.
func (s *Service) Queued(requester task.RequesterID) []task.Token {
	return s.sched.Queued(requester)
}

// SetListener registers l for requester's callbacks; nil unregisters.
func (s *Service) SetListener(requester task.RequesterID, l sink.Listener) {
	s.reg.Set(requester, l)
}

// Abort drops every queued job of every requester. The active job runs on.
func (s *Service) Abort() { s.sched.Abort() }

// Close shuts the scheduler down and releases the engine. Jobs still queued
// are dropped and the active job is cancelled.
func (s *Service) Close(ctx context.Context) error {
	if err := s.sched.Shutdown(ctx); err != nil {
		return err
	}
	if live := s.store.Live(); live > 0 {
		slog.Warn("Images still allocated at shutdown", "live", live)
	}
	return nil
}

// Stats returns current queue and resource statistics.
func (s *Service) Stats() Stats {
	return Stats{
		Stats:      s.sched.Snapshot(),
		LiveImages: s.store.Live(),
		Listeners:  s.reg.Len(),
	}
}

// Info describes the pipeline configuration.
func (s *Service) Info() map[string]any { return s.pipe.Info() }
