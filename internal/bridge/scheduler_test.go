package bridge

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, s *Scheduler) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerFirstTickAfterInterval(t *testing.T) {
	var ticks atomic.Int32
	s := NewScheduler(100*time.Millisecond, func() bool { return true },
		func(context.Context) { ticks.Add(1) }, nil)

	s.Start(context.Background())
	defer s.Stop()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load(), "scheduler must not tick immediately")

	require.Eventually(t, func() bool { return ticks.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestSchedulerSelfCancelsWhenOwnerGone(t *testing.T) {
	var ticks atomic.Int32
	var alive atomic.Bool
	alive.Store(true)

	s := NewScheduler(20*time.Millisecond, alive.Load,
		func(context.Context) { ticks.Add(1) }, nil)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return ticks.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	alive.Store(false)
	waitDone(t, s)

	settled := ticks.Load()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load(), "no ticks after self-cancel")
}

func TestSchedulerStop(t *testing.T) {
	var ticks atomic.Int32
	s := NewScheduler(10*time.Millisecond, func() bool { return true },
		func(context.Context) { ticks.Add(1) }, nil)
	s.Start(context.Background())

	s.Stop()
	s.Stop()
	waitDone(t, s)

	settled := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load())
}

func TestSchedulerStopBeforeStart(t *testing.T) {
	s := NewScheduler(time.Second, func() bool { return true }, func(context.Context) {}, nil)
	s.Stop()
	waitDone(t, s)

	// Start after Stop must not launch a loop.
	s.Start(context.Background())
	waitDone(t, s)
}

func TestSchedulerSurvivesTickPanic(t *testing.T) {
	var ticks atomic.Int32
	s := NewScheduler(10*time.Millisecond, func() bool { return true },
		func(context.Context) {
			if ticks.Add(1) == 1 {
				panic("bad tick")
			}
		}, nil)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSchedulerParentContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewScheduler(10*time.Millisecond, func() bool { return true }, func(context.Context) {}, nil)
	s.Start(ctx)

	cancel()
	waitDone(t, s)
}
