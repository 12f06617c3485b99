// Package task implements the single-worker FIFO job scheduler that
// serializes recognition work across requesters.
package task

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
)

// Token identifies a job for its whole lifetime in the process.
type Token int64

// InvalidToken is returned when a job is rejected at enqueue.
const InvalidToken Token = 0

// RequesterID identifies the caller a job belongs to.
type RequesterID int

// Sentinel errors reported by Validate. Callers of Enqueue only ever see
// InvalidToken.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrUnreadableSource = errors.New("unreadable source")
	ErrShutdown         = errors.New("scheduler shut down")
)

// Source is the image a job recognizes: either encoded bytes or a file path.
type Source struct {
	Data []byte
	Path string
}

// DataSource returns a Source holding a private copy of b.
func DataSource(b []byte) Source {
	if b == nil {
		return Source{}
	}
	c := make([]byte, len(b))
	copy(c, b)
	return Source{Data: c}
}

// FileSource returns a Source that reads path when the job runs.
func FileSource(path string) Source { return Source{Path: path} }

// IsFile reports whether the source refers to a file.
func (s Source) IsFile() bool { return s.Path != "" }

// Validate checks that the source can be processed.
func (s Source) Validate() error {
	switch {
	case s.Path != "" && len(s.Data) > 0:
		return fmt.Errorf("%w: source has both data and path", ErrInvalidInput)
	case s.Path != "":
		f, err := os.Open(s.Path) //nolint:gosec // G304: path supplied by the requester
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
		}
		defer func() { _ = f.Close() }()
		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrUnreadableSource, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", ErrUnreadableSource, s.Path)
		}
		return nil
	case len(s.Data) == 0:
		return fmt.Errorf("%w: empty source", ErrInvalidInput)
	}
	return nil
}

// JobState is the lifecycle state of a job.
type JobState int32

const (
	StateQueued JobState = iota
	StateActive
	StateCancelling
	StateCompleted
)

func (s JobState) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateCancelling:
		return "cancelling"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Job is one recognition request. Everything except its state and cancel
// flag is immutable after enqueue.
type Job struct {
	Requester RequesterID
	Token     Token
	Source    Source
	Params    recognizer.Params
	Enqueued  time.Time

	state     atomic.Int32
	cancelled atomic.Bool
}

// State returns the current lifecycle state.
func (j *Job) State() JobState { return JobState(j.state.Load()) }

// Cancelled reports whether cancellation was requested for the job. The
// region loop checks it at every checkpoint.
func (j *Job) Cancelled() bool { return j.cancelled.Load() }

// requestCancel flags the job. Only the first request succeeds.
func (j *Job) requestCancel() bool {
	if j.State() == StateCompleted {
		return false
	}
	if !j.cancelled.CompareAndSwap(false, true) {
		return false
	}
	j.state.CompareAndSwap(int32(StateActive), int32(StateCancelling))
	return true
}

func (j *Job) setState(s JobState) { j.state.Store(int32(s)) }
