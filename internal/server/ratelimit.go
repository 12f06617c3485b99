package server

import (
	"fmt"
	"sync"
	"time"
)

// Limiter caps job submissions per client. A zero limit disables that check.
type Limiter struct {
	mu sync.Mutex

	jobsPerMinute int
	bytesPerDay   int64
	now           func() time.Time
	clients       map[string]*clientUsage
}

type clientUsage struct {
	windowStart time.Time
	jobs        int

	day   time.Time
	bytes int64
}

// NewLimiter creates a limiter.
func NewLimiter(jobsPerMinute int, bytesPerDay int64) *Limiter {
	return &Limiter{
		jobsPerMinute: jobsPerMinute,
		bytesPerDay:   bytesPerDay,
		now:           time.Now,
		clients:       make(map[string]*clientUsage),
	}
}

// Enabled reports whether any limit is configured.
func (l *Limiter) Enabled() bool {
	return l != nil && (l.jobsPerMinute > 0 || l.bytesPerDay > 0)
}

// Allow records a submission of size bytes from client, or returns a
// *LimitError when it would exceed a limit. Rejected submissions are not
// counted.
func (l *Limiter) Allow(client string, size int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	u, ok := l.clients[client]
	if !ok {
		u = &clientUsage{windowStart: now, day: startOfDay(now)}
		l.clients[client] = u
	}
	if now.Sub(u.windowStart) >= time.Minute {
		u.windowStart = now
		u.jobs = 0
	}
	if today := startOfDay(now); !today.Equal(u.day) {
		u.day = today
		u.bytes = 0
	}

	if l.jobsPerMinute > 0 && u.jobs >= l.jobsPerMinute {
		return &LimitError{
			Kind:       "jobs_per_minute",
			Limit:      int64(l.jobsPerMinute),
			RetryAfter: time.Minute - now.Sub(u.windowStart),
		}
	}
	if l.bytesPerDay > 0 && u.bytes+size > l.bytesPerDay {
		return &LimitError{
			Kind:       "bytes_per_day",
			Limit:      l.bytesPerDay,
			RetryAfter: u.day.AddDate(0, 0, 1).Sub(now),
		}
	}

	u.jobs++
	u.bytes += size
	return nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// LimitError reports which limit a submission exceeded.
type LimitError struct {
	Kind       string
	Limit      int64
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit %s exceeded (limit: %d, retry after: %v)", e.Kind, e.Limit, e.RetryAfter.Round(time.Second))
}
