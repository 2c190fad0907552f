package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/HerbHall/runnerbridge/internal/bridge"
)

// Compile-time interface check.
var _ bridge.Listener = (*Recorder)(nil)

// Pull is one recorded Pulled notification.
type Pull struct {
	Bridge   bridge.Bridge
	Snapshot bridge.Snapshot
}

// Recorder is a bridge.Listener that records every notification.
type Recorder struct {
	mu         sync.Mutex
	discovered []bridge.Bridge
	pulls      []Pull
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Discovered(b bridge.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discovered = append(r.discovered, b)
}

func (r *Recorder) Pulled(b bridge.Bridge, s bridge.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, Pull{Bridge: b, Snapshot: s})
}

// Discoveries returns a copy of the discovered instances.
func (r *Recorder) Discoveries() []bridge.Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]bridge.Bridge, len(r.discovered))
	copy(out, r.discovered)
	return out
}

// Pulls returns a copy of the recorded pulls.
func (r *Recorder) Pulls() []Pull {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Pull, len(r.pulls))
	copy(out, r.pulls)
	return out
}

// WaitForPulls blocks until at least n pulls were recorded or timeout
// elapses, in which case the test fails.
func (r *Recorder) WaitForPulls(t *testing.T, n int, timeout time.Duration) []Pull {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		pulls := r.Pulls()
		if len(pulls) >= n {
			return pulls
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d pulls after %v, want at least %d", len(pulls), timeout, n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
