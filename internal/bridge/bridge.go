// Package bridge implements the device-bridge lifecycle for the local runner:
// discovery, connection, periodic pulls, serialized pushes and disconnection.
//
// A root Runner (no native handle) only discovers. Each discovered device
// gets its own Runner bound to a Native handle; that instance owns a push
// Queue and, once connected, a poll Scheduler. Disconnect clears the handle
// for good.
package bridge

import (
	"context"
	"net/http"
)

// Bridge is the method set the host expects from every device bridge.
type Bridge interface {
	Name() string
	Discover(ctx context.Context) error
	Connect(ctx context.Context, opts map[string]any) error
	Disconnect()
	Pull(ctx context.Context)
	Push(ctx context.Context, data map[string]any, done func(error))
	Meta() map[string]any
	Reachable() bool
	Configure(mux *http.ServeMux)
}

// Listener receives the notifications a bridge reports to its host.
// Implementations must not call Pull or Disconnect on the reporting bridge
// from inside a callback.
type Listener interface {
	// Discovered is called once per newly discovered instance.
	Discovered(b Bridge)

	// Pulled delivers fresh data. A nil snapshot means the device went away.
	Pulled(b Bridge, snapshot Snapshot)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are ignored.
type ListenerFuncs struct {
	OnDiscovered func(b Bridge)
	OnPulled     func(b Bridge, snapshot Snapshot)
}

func (l ListenerFuncs) Discovered(b Bridge) {
	if l.OnDiscovered != nil {
		l.OnDiscovered(b)
	}
}

func (l ListenerFuncs) Pulled(b Bridge, snapshot Snapshot) {
	if l.OnPulled != nil {
		l.OnPulled(b, snapshot)
	}
}

// VendorType discriminates the kind of device behind a native handle.
type VendorType string

const (
	VendorRunner VendorType = "runner"
	VendorDisk   VendorType = "disk" // reserved
	VendorCPU    VendorType = "cpu"  // reserved
)

// Native is the identity of the device a bridge instance represents.
type Native struct {
	VendorType VendorType
	UUID       string
	Name       string
	Number     *int
}

// Snapshot keys reported for runner devices.
const (
	KeyLoadAverage     = "load-average"
	KeyAvailableMemory = "available-memory"
	KeyFreeMemory      = "free-memory"
	KeyUptime          = "uptime"
)

// Snapshot maps metric names to values.
type Snapshot map[string]float64

// Sample is one point-in-time reading of host metrics.
type Sample struct {
	LoadAverage1m    float64
	TotalMemoryBytes uint64
	FreeMemoryBytes  uint64
	UptimeSeconds    uint64
}

// MetricsSource supplies host metrics for runner devices.
type MetricsSource interface {
	Sample(ctx context.Context) (Sample, error)
}

// Store is the process-wide keyed configuration the bridge reads defaults
// and location metadata from. Keys are dot-separated paths.
type Store interface {
	Lookup(key string) (any, bool)
}

// State is the lifecycle position of a Runner.
type State int

const (
	StateUnbound State = iota
	StateDisconnected
	StateConnected
	StateForgotten
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateForgotten:
		return "forgotten"
	default:
		return "unknown"
	}
}

type emptyStore struct{}

func (emptyStore) Lookup(string) (any, bool) { return nil, false }
