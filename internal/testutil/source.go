package testutil

import (
	"context"
	"sync"

	"github.com/HerbHall/runnerbridge/internal/bridge"
)

// Compile-time interface check.
var _ bridge.MetricsSource = (*FakeSource)(nil)

// FakeSource is a MetricsSource returning a fixed sample or error.
type FakeSource struct {
	mu     sync.Mutex
	sample bridge.Sample
	err    error
	calls  int
}

// NewFakeSource returns a FakeSource that always yields s.
func NewFakeSource(s bridge.Sample) *FakeSource {
	return &FakeSource{sample: s}
}

// Sample returns the configured sample or error.
func (f *FakeSource) Sample(_ context.Context) (bridge.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return bridge.Sample{}, f.err
	}
	return f.sample, nil
}

// SetError makes subsequent samples fail with err; nil restores success.
func (f *FakeSource) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times Sample was called.
func (f *FakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
