package bridge

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Item is one unit of work on a Queue.
type Item struct {
	// ID is optional. Adding an item whose ID matches a queued item that has
	// not started yet replaces that item.
	ID string

	// Run performs the work and must call finished exactly once, possibly
	// from another goroutine.
	Run func(finished func())

	// Coda runs after the item is dequeued, before the next item starts.
	Coda func()

	// Drop is called instead of Run and Coda when the item never starts,
	// either because it was superseded or because the queue closed.
	Drop func(err error)
}

// Queue runs items one at a time in submission order.
type Queue struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	pending []*Item
	running bool
	closed  bool
	idle    chan struct{} // closed when no worker is running
}

// NewQueue creates an empty, open queue.
func NewQueue(name string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		name:   name,
		logger: logger,
		idle:   idle,
	}
}

// Add appends it to the tail of the queue.
func (q *Queue) Add(it *Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}

	var superseded []*Item
	if it.ID != "" {
		kept := q.pending[:0]
		for _, p := range q.pending {
			if p.ID == it.ID {
				superseded = append(superseded, p)
				continue
			}
			kept = append(kept, p)
		}
		q.pending = kept
	}

	q.pending = append(q.pending, it)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	q.mu.Unlock()

	for _, p := range superseded {
		q.logger.Debug("push superseded", zap.String("queue", q.name), zap.String("id", p.ID))
		dropItem(p, ErrSuperseded)
	}
	return nil
}

// Len returns the number of items waiting to start.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting items and drops every item that has not started
// with err. An item already running completes normally, including its Coda.
func (q *Queue) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	dropped := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(dropped) > 0 {
		q.logger.Info("push queue closed with pending items",
			zap.String("queue", q.name),
			zap.Int("dropped", len(dropped)),
		)
	}
	for _, p := range dropped {
		dropItem(p, err)
	}
}

// Idle returns a channel closed once no item is running or pending.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

func (q *Queue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(idle)
			q.mu.Unlock()
			return
		}
		it := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.runItem(it)
		if it.Coda != nil {
			q.safeCall("coda", it.Coda)
		}
	}
}

// runItem blocks until the item reports completion. A panic inside Run
// counts as completion.
func (q *Queue) runItem(it *Item) {
	if it.Run == nil {
		return
	}
	done := make(chan struct{})
	var once sync.Once
	finished := func() { once.Do(func() { close(done) }) }

	if !q.safeCall("run", func() { it.Run(finished) }) {
		return
	}
	<-done
}

// safeCall runs fn and reports false if it panicked.
func (q *Queue) safeCall(stage string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("push queue item panicked",
				zap.String("queue", q.name),
				zap.String("stage", stage),
				zap.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	fn()
	return true
}

func dropItem(it *Item, err error) {
	if it.Drop != nil {
		it.Drop(err)
	}
}
