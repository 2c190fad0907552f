package bridge

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler calls tick every interval, starting one full interval after
// Start. Before each tick it asks alive; once alive reports false the
// scheduler stops itself without ticking.
type Scheduler struct {
	interval time.Duration
	alive    func() bool
	tick     func(ctx context.Context)
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a stopped scheduler. interval must be positive.
func NewScheduler(interval time.Duration, alive func() bool, tick func(ctx context.Context), logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		interval: interval,
		alive:    alive,
		tick:     tick,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start launches the tick loop. Subsequent calls are no-ops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.run(loopCtx)
}

// Stop cancels the loop. It does not wait for an in-flight tick; use Done
// for that. Stop is idempotent and safe before Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		s.started = true
		close(s.done)
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Done is closed once the loop has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			if !s.alive() {
				s.logger.Debug("poll scheduler owner gone, stopping")
				s.Stop()
				return
			}
			s.safeTick(ctx)
		}
	}
}

// safeTick keeps one bad tick from killing the loop.
func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("poll tick panicked",
				zap.String("panic", fmt.Sprint(r)),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	s.tick(ctx)
}
