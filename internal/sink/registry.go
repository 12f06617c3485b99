// Package sink routes job output to per-requester listeners.
package sink

import (
	"log/slog"
	"sync"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
)

// Listener receives the output of a requester's jobs. Callbacks run on the
// scheduler worker and should return quickly.
type Listener interface {
	OnResult(token task.Token, result *recognizer.Result)
	OnCompleted(token task.Token, results []*recognizer.Result)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Result    func(token task.Token, result *recognizer.Result)
	Completed func(token task.Token, results []*recognizer.Result)
}

// OnResult implements Listener.
func (f ListenerFuncs) OnResult(token task.Token, result *recognizer.Result) {
	if f.Result != nil {
		f.Result(token, result)
	}
}

// OnCompleted implements Listener.
func (f ListenerFuncs) OnCompleted(token task.Token, results []*recognizer.Result) {
	if f.Completed != nil {
		f.Completed(token, results)
	}
}

// Registry maps requesters to listeners and implements task.Sink. Delivery
// to a requester without a listener is a silent no-op.
type Registry struct {
	mu        sync.RWMutex
	listeners map[task.RequesterID]Listener
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{listeners: make(map[task.RequesterID]Listener)}
}

// Set registers l for requester, replacing any previous listener. A nil
// listener unregisters the requester.
func (r *Registry) Set(requester task.RequesterID, l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l == nil {
		delete(r.listeners, requester)
		slog.Debug("Listener unregistered", "requester", requester)
		return
	}
	r.listeners[requester] = l
	slog.Debug("Listener registered", "requester", requester)
}

// Get returns the listener registered for requester.
func (r *Registry) Get(requester task.RequesterID) (Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[requester]
	return l, ok
}

// Len returns the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// PartialResult implements task.Sink.
func (r *Registry) PartialResult(requester task.RequesterID, token task.Token, result *recognizer.Result) {
	if l, ok := r.Get(requester); ok {
		l.OnResult(token, result)
	}
}

// Completed implements task.Sink.
func (r *Registry) Completed(requester task.RequesterID, token task.Token, results []*recognizer.Result) {
	l, ok := r.Get(requester)
	if !ok {
		slog.Debug("Completion dropped, no listener", "requester", requester, "token", token)
		return
	}
	l.OnCompleted(token, results)
}

var _ task.Sink = (*Registry)(nil)
