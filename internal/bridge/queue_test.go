package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// codaLog records coda order across goroutines.
type codaLog struct {
	mu    sync.Mutex
	order []string
}

func (l *codaLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, s)
}

func (l *codaLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func waitIdle(t *testing.T, q *Queue) {
	t.Helper()
	select {
	case <-q.Idle():
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not become idle")
	}
}

func TestQueueFIFOWithDelayedRun(t *testing.T) {
	q := NewQueue("test", zap.NewNop())
	log := &codaLog{}

	names := []string{"p1", "p2", "p3", "p4", "p5"}
	for i, name := range names {
		name := name
		delayed := i == 0
		require.NoError(t, q.Add(&Item{
			Run: func(finished func()) {
				if delayed {
					go func() {
						time.Sleep(50 * time.Millisecond)
						finished()
					}()
					return
				}
				finished()
			},
			Coda: func() { log.add(name) },
		}))
	}

	waitIdle(t, q)
	assert.Equal(t, names, log.get())
}

func TestQueueSingleConcurrency(t *testing.T) {
	q := NewQueue("test", nil)

	var inFlight, maxInFlight atomic.Int32
	for i := 0; i < 20; i++ {
		require.NoError(t, q.Add(&Item{
			Run: func(finished func()) {
				n := inFlight.Add(1)
				for {
					m := maxInFlight.Load()
					if n <= m || maxInFlight.CompareAndSwap(m, n) {
						break
					}
				}
				go func() {
					time.Sleep(time.Millisecond)
					inFlight.Add(-1)
					finished()
				}()
			},
		}))
	}

	waitIdle(t, q)
	assert.Equal(t, int32(1), maxInFlight.Load())
}

func TestQueueSupersedeByID(t *testing.T) {
	q := NewQueue("test", nil)
	log := &codaLog{}
	gate := make(chan struct{})

	require.NoError(t, q.Add(&Item{
		Run: func(finished func()) {
			<-gate
			finished()
		},
		Coda: func() { log.add("blocker") },
	}))

	var dropErr error
	require.NoError(t, q.Add(&Item{
		ID:   "on",
		Coda: func() { log.add("old") },
		Drop: func(err error) { dropErr = err },
	}))
	require.NoError(t, q.Add(&Item{
		ID:   "on",
		Coda: func() { log.add("new") },
	}))

	assert.ErrorIs(t, dropErr, ErrSuperseded)
	close(gate)
	waitIdle(t, q)
	assert.Equal(t, []string{"blocker", "new"}, log.get())
}

func TestQueueCloseDropsPending(t *testing.T) {
	q := NewQueue("test", nil)
	log := &codaLog{}
	gate := make(chan struct{})
	started := make(chan struct{})

	require.NoError(t, q.Add(&Item{
		Run: func(finished func()) {
			close(started)
			<-gate
			finished()
		},
		Coda: func() { log.add("running") },
	}))
	<-started

	var dropped []error
	var mu sync.Mutex
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Add(&Item{
			Coda: func() { log.add("pending") },
			Drop: func(err error) {
				mu.Lock()
				dropped = append(dropped, err)
				mu.Unlock()
			},
		}))
	}
	require.Equal(t, 3, q.Len())

	sentinel := errors.New("gone")
	q.Close(sentinel)
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Add(&Item{}), ErrQueueClosed)

	close(gate)
	waitIdle(t, q)

	assert.Equal(t, []string{"running"}, log.get())
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dropped, 3)
	for _, err := range dropped {
		assert.ErrorIs(t, err, sentinel)
	}
}

func TestQueueRunPanicDoesNotStall(t *testing.T) {
	q := NewQueue("test", zap.NewNop())
	log := &codaLog{}

	require.NoError(t, q.Add(&Item{
		Run:  func(func()) { panic("boom") },
		Coda: func() { log.add("first") },
	}))
	require.NoError(t, q.Add(&Item{
		Run:  func(finished func()) { finished() },
		Coda: func() { log.add("second") },
	}))

	waitIdle(t, q)
	assert.Equal(t, []string{"first", "second"}, log.get())
}

func TestQueueFinishedTwiceIsHarmless(t *testing.T) {
	q := NewQueue("test", nil)
	var codas atomic.Int32

	require.NoError(t, q.Add(&Item{
		Run: func(finished func()) {
			finished()
			finished()
		},
		Coda: func() { codas.Add(1) },
	}))

	waitIdle(t, q)
	assert.Equal(t, int32(1), codas.Load())
}
