package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/sink"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/stretchr/testify/require"
)

// EventKind distinguishes recorded listener callbacks.
type EventKind string

const (
	EventResult    EventKind = "result"
	EventCompleted EventKind = "completed"
)

// Event is one recorded listener callback.
type Event struct {
	Kind    EventKind
	Token   task.Token
	Text    string // result text for EventResult
	Results int    // number of results for EventCompleted
}

// Recorder is a sink.Listener that records every callback in order.
type Recorder struct {
	mu        sync.Mutex
	events    []Event
	partial   map[task.Token][]*recognizer.Result
	completed map[task.Token][]*recognizer.Result
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		partial:   make(map[task.Token][]*recognizer.Result),
		completed: make(map[task.Token][]*recognizer.Result),
	}
}

// OnResult implements sink.Listener.
func (r *Recorder) OnResult(token task.Token, result *recognizer.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventResult, Token: token, Text: result.Text()})
	r.partial[token] = append(r.partial[token], result)
}

// OnCompleted implements sink.Listener.
func (r *Recorder) OnCompleted(token task.Token, results []*recognizer.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Event{Kind: EventCompleted, Token: token, Results: len(results)})
	r.completed[token] = results
}

// Events returns a copy of the recorded callbacks.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Partial returns the partial results delivered for token.
func (r *Recorder) Partial(token task.Token) []*recognizer.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*recognizer.Result(nil), r.partial[token]...)
}

// Completed returns the final results for token and whether the job completed.
func (r *Recorder) Completed(token task.Token) ([]*recognizer.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.completed[token]
	return res, ok
}

// CompletedCount returns how many completions were recorded.
func (r *Recorder) CompletedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

// WaitCompleted waits until token completes and returns its results.
func (r *Recorder) WaitCompleted(t *testing.T, token task.Token, timeout time.Duration) []*recognizer.Result {
	t.Helper()
	require.Eventually(t, func() bool {
		_, ok := r.Completed(token)
		return ok
	}, timeout, 5*time.Millisecond, "job %d did not complete", token)
	results, _ := r.Completed(token)
	return results
}

// Texts returns the text of each result.
func Texts(results []*recognizer.Result) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Text()
	}
	return out
}

var _ sink.Listener = (*Recorder)(nil)
