// Package support holds the step definitions for the queue feature suite.
package support

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"github.com/MeKo-Tech/ocrq/internal/server"
	"github.com/MeKo-Tech/ocrq/internal/service"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/MeKo-Tech/ocrq/internal/testutil"
)

// WaitTimeout bounds every wait for asynchronous job output.
const WaitTimeout = 5 * time.Second

// QueueContext is the per-scenario state: one service driven by a scripted
// engine, listeners per requester and the tokens of named jobs.
type QueueContext struct {
	Store    *imagestore.Store
	Engine   *testutil.ScriptedEngine
	Detector *testutil.ScriptedDetector
	Service  *service.Service

	Recorders map[task.RequesterID]*testutil.Recorder
	Jobs      map[string]NamedJob

	gateOnce sync.Once
	closed   bool

	LastCancel bool

	// HTTP state
	Server           *httptest.Server
	LastStatusCode   int
	LastResponseBody string
}

// NamedJob remembers who submitted a job and the token it received.
type NamedJob struct {
	Requester task.RequesterID
	Token     task.Token
}

// NewQueueContext creates an empty scenario context.
func NewQueueContext() *QueueContext {
	return &QueueContext{
		Recorders: make(map[task.RequesterID]*testutil.Recorder),
		Jobs:      make(map[string]NamedJob),
	}
}

// start builds the service. A paused engine blocks every recognition until
// the engine is resumed.
func (qc *QueueContext) start(regions int, paused bool) error {
	qc.Store = imagestore.New()
	qc.Engine = testutil.NewScriptedEngine(regions, []int{90}, nil)
	if paused {
		qc.Engine.Gate = make(chan struct{})
		qc.Engine.Started = make(chan testutil.EngineCall, 1024)
	}
	qc.Detector = &testutil.ScriptedDetector{Store: qc.Store, Count: regions}

	svc, err := service.New(service.Options{Engine: qc.Engine, Detector: qc.Detector, Store: qc.Store})
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	qc.Service = svc
	return nil
}

// resume releases a paused engine. Safe to call more than once.
func (qc *QueueContext) resume() {
	if qc.Engine == nil || qc.Engine.Gate == nil {
		return
	}
	qc.gateOnce.Do(func() { close(qc.Engine.Gate) })
}

func (qc *QueueContext) recorder(requester task.RequesterID) *testutil.Recorder {
	r, ok := qc.Recorders[requester]
	if !ok {
		r = testutil.NewRecorder()
		qc.Recorders[requester] = r
	}
	return r
}

func (qc *QueueContext) job(name string) (NamedJob, error) {
	j, ok := qc.Jobs[name]
	if !ok {
		return NamedJob{}, fmt.Errorf("no job named %q was enqueued", name)
	}
	return j, nil
}

// startServer serves the service over httptest.
func (qc *QueueContext) startServer() error {
	if qc.Service == nil {
		return errors.New("no queue is running")
	}
	cfg := server.DefaultConfig()
	cfg.Version = "integration"
	srv, err := server.New(cfg, qc.Service)
	if err != nil {
		return err
	}
	qc.Server = httptest.NewServer(srv.Handler())
	return nil
}

// shutdown closes the service once. A paused engine is released only after
// the queue has been dropped, so no queued job can start.
func (qc *QueueContext) shutdown() error {
	if qc.Service == nil || qc.closed {
		return nil
	}
	qc.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), WaitTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- qc.Service.Close(ctx) }()
	if err := eventually(func() bool { return qc.Service.Stats().ShutDown }, "queue did not shut down"); err != nil {
		qc.resume()
		return err
	}
	qc.resume()
	return <-done
}

// Cleanup stops the server and the service.
func (qc *QueueContext) Cleanup() error {
	if qc.Server != nil {
		qc.Server.Close()
		qc.Server = nil
	}
	return qc.shutdown()
}

// eventually polls cond until it holds or WaitTimeout passes.
func eventually(cond func() bool, format string, args ...any) error {
	deadline := time.Now().Add(WaitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf(format, args...)
}

// idle waits until nothing is queued or active.
func (qc *QueueContext) idle() error {
	return eventually(func() bool {
		st := qc.Service.Stats()
		return st.Queued == 0 && st.Active == task.InvalidToken
	}, "queue did not drain")
}
