package runner

import "github.com/HerbHall/runnerbridge/internal/bridge"

// Event topics published by the runner plugin.
const (
	TopicDiscovered = "runner.discovered"
	TopicPulled     = "runner.pulled"
	TopicGone       = "runner.gone"
)

// DiscoveredEvent is the payload of TopicDiscovered.
type DiscoveredEvent struct {
	ThingID string         `json:"thing_id"`
	Meta    map[string]any `json:"meta"`
}

// PulledEvent is the payload of TopicPulled. Error is set when the source
// failed and Snapshot is empty.
type PulledEvent struct {
	ThingID  string          `json:"thing_id"`
	Snapshot bridge.Snapshot `json:"snapshot"`
	Error    string          `json:"error,omitempty"`
}

// GoneEvent is the payload of TopicGone.
type GoneEvent struct {
	ThingID string `json:"thing_id"`
}
