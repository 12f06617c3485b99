package sink

import (
	"image"
	"sync"
	"testing"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	mu        sync.Mutex
	results   []string
	completed map[task.Token]int
}

func (l *recordingListener) OnResult(_ task.Token, r *recognizer.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r.Text())
}

func (l *recordingListener) OnCompleted(token task.Token, results []*recognizer.Result) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.completed == nil {
		l.completed = make(map[task.Token]int)
	}
	l.completed[token] = len(results)
}

func TestRegistry_RoutesByRequester(t *testing.T) {
	reg := NewRegistry()
	a, b := &recordingListener{}, &recordingListener{}
	reg.Set(1, a)
	reg.Set(2, b)
	assert.Equal(t, 2, reg.Len())

	r := recognizer.NewResult(image.Rect(0, 0, 1, 1), "alpha", []int{90}, 0)
	reg.PartialResult(1, 10, r)
	reg.Completed(1, 10, []*recognizer.Result{r})
	reg.Completed(2, 11, nil)

	assert.Equal(t, []string{"alpha"}, a.results)
	assert.Equal(t, 1, a.completed[10])
	assert.Empty(t, b.results)
	require.Contains(t, b.completed, task.Token(11))
	assert.Zero(t, b.completed[11])
}

func TestRegistry_UnregisteredIsNoop(t *testing.T) {
	reg := NewRegistry()
	l := &recordingListener{}
	reg.Set(3, l)
	reg.Set(3, nil)
	_, ok := reg.Get(3)
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		reg.PartialResult(3, 1, recognizer.NewResult(image.Rectangle{}, "x", nil, 0))
		reg.Completed(3, 1, nil)
		reg.Completed(99, 1, nil)
	})
	assert.Empty(t, l.results)
	assert.Empty(t, l.completed)
}

func TestListenerFuncs(t *testing.T) {
	var got []string
	var done bool
	l := ListenerFuncs{
		Result:    func(_ task.Token, r *recognizer.Result) { got = append(got, r.Text()) },
		Completed: func(task.Token, []*recognizer.Result) { done = true },
	}
	reg := NewRegistry()
	reg.Set(1, l)
	reg.PartialResult(1, 5, recognizer.NewResult(image.Rectangle{}, "hi", nil, 0))
	reg.Completed(1, 5, nil)
	assert.Equal(t, []string{"hi"}, got)
	assert.True(t, done)

	assert.NotPanics(t, func() {
		ListenerFuncs{}.OnResult(1, nil)
		ListenerFuncs{}.OnCompleted(1, nil)
	})
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func(id task.RequesterID) {
			defer wg.Done()
			reg.Set(id, &recordingListener{})
		}(task.RequesterID(i))
		go func(id task.RequesterID) {
			defer wg.Done()
			reg.Completed(id, 1, nil)
		}(task.RequesterID(i))
	}
	wg.Wait()
	assert.Equal(t, 20, reg.Len())
}
