package runner

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/bridge"
	"github.com/HerbHall/runnerbridge/internal/plugin"
	"github.com/HerbHall/runnerbridge/internal/server"
)

var nowFunc = time.Now

const maxPushBody = 64 << 10

// thingResponse is one entry of GET /things.
type thingResponse struct {
	ID            string          `json:"id"`
	State         string          `json:"state"`
	Reachable     bool            `json:"reachable"`
	Meta          map[string]any  `json:"meta"`
	Snapshot      bridge.Snapshot `json:"snapshot"`
	LastError     string          `json:"last_error,omitempty"`
	PendingPushes int             `json:"pending_pushes"`
}

// pushResponse is the body of a completed push.
type pushResponse struct {
	ID      string `json:"id"`
	ThingID string `json:"thing_id"`
	Status  string `json:"status"`
}

// Routes implements plugin.Plugin.
func (p *Plugin) Routes() []plugin.Route {
	return []plugin.Route{
		{Method: "GET", Path: "/things", Handler: p.handleThings},
		{Method: "POST", Path: "/things/{id}/pull", Handler: p.handlePull},
		{Method: "POST", Path: "/things/{id}/push", Handler: p.handlePush},
	}
}

func (p *Plugin) handleThings(w http.ResponseWriter, _ *http.Request) {
	things := p.snapshotThings()
	out := make([]thingResponse, 0, len(things))
	for _, t := range things {
		out = append(out, p.describe(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (p *Plugin) handlePull(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rn, ok := p.Thing(id)
	if !ok {
		server.NotFound(w, "no runner with id "+id, r.URL.Path)
		return
	}
	if !rn.Reachable() {
		server.Conflict(w, bridge.ErrNotConnected.Error(), r.URL.Path)
		return
	}

	rn.Pull(r.Context())

	for _, t := range p.snapshotThings() {
		if t.runner == rn {
			writeJSON(w, http.StatusOK, p.describe(t))
			return
		}
	}
	// Forgotten while pulling.
	server.Conflict(w, bridge.ErrNotConnected.Error(), r.URL.Path)
}

func (p *Plugin) handlePush(w http.ResponseWriter, r *http.Request) {
	if p.limiter != nil && !p.limiter.Allow() {
		server.RateLimited(w, "push rate exceeded", r.URL.Path)
		return
	}

	id := r.PathValue("id")
	rn, ok := p.Thing(id)
	if !ok {
		server.NotFound(w, "no runner with id "+id, r.URL.Path)
		return
	}

	var data map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody)).Decode(&data); err != nil {
		server.BadRequest(w, "invalid JSON body: "+err.Error(), r.URL.Path)
		return
	}

	pushID := uuid.NewString()
	log := p.logger.With(zap.String("push_id", pushID), zap.String("thing_id", id))
	result := make(chan error, 1)
	rn.Push(r.Context(), data, func(err error) { result <- err })

	select {
	case err := <-result:
		p.countPush(err)
		switch {
		case err == nil:
			log.Debug("push completed")
			writeJSON(w, http.StatusOK, pushResponse{ID: pushID, ThingID: id, Status: "done"})
		case errors.Is(err, bridge.ErrValidation):
			server.BadRequest(w, err.Error(), r.URL.Path)
		case errors.Is(err, bridge.ErrNotConnected), errors.Is(err, bridge.ErrSuperseded):
			server.Conflict(w, err.Error(), r.URL.Path)
		default:
			log.Warn("push failed", zap.Error(err))
			server.InternalError(w, err.Error(), r.URL.Path)
		}
	case <-r.Context().Done():
		// The push stays queued; its result is only counted.
		go func() { p.countPush(<-result) }()
		log.Info("client left before push completed")
	}
}

func (p *Plugin) countPush(err error) {
	if p.metrics == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, bridge.ErrValidation):
		result = "invalid"
	case errors.Is(err, bridge.ErrNotConnected):
		result = "not_connected"
	case errors.Is(err, bridge.ErrSuperseded):
		result = "superseded"
	default:
		result = "error"
	}
	p.metrics.pushes.WithLabelValues(result).Inc()
}

func (p *Plugin) describe(t thing) thingResponse {
	resp := thingResponse{
		ID:            t.runner.Identity(),
		State:         t.runner.State().String(),
		Reachable:     t.runner.Reachable(),
		Meta:          t.runner.Meta(),
		Snapshot:      t.snapshot,
		PendingPushes: t.runner.PendingPushes(),
	}
	if t.lastErr != nil {
		resp.LastError = t.lastErr.Error()
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
