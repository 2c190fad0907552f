package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/config"
	"github.com/HerbHall/runnerbridge/internal/plugin"
	pkgplugin "github.com/HerbHall/runnerbridge/pkg/plugin"
)

type stubPlugin struct {
	health string
}

func (p *stubPlugin) Name() string                           { return "runner" }
func (p *stubPlugin) Version() string                        { return "0.1.0" }
func (p *stubPlugin) Init(*viper.Viper, *zap.Logger) error   { return nil }
func (p *stubPlugin) Start(context.Context) error            { return nil }
func (p *stubPlugin) Stop() error                            { return nil }
func (p *stubPlugin) Health(context.Context) pkgplugin.HealthStatus {
	return pkgplugin.HealthStatus{Status: p.health}
}
func (p *stubPlugin) Routes() []plugin.Route {
	return []plugin.Route{{
		Method: "GET",
		Path:   "/things",
		Handler: func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("[]"))
		},
	}}
}

func newTestServer(t *testing.T, health string) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := plugin.NewRegistry(zap.NewNop())
	if err := reg.Register(&stubPlugin{health: health}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	v := viper.New()
	v.Set("plugins.runner.enabled", true)
	if err := reg.InitAll(config.New(v)); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	promReg := prometheus.NewRegistry()
	return New(":0", reg, promReg, zap.NewNop()), promReg
}

func get(t *testing.T, s *Server, path string) *http.Response {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w.Result()
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "healthy")
	resp := get(t, s, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-RunnerBridge-Version") == "" {
		t.Error("missing version header")
	}

	var body struct {
		Status  string                            `json:"status"`
		Service string                            `json:"service"`
		Plugins map[string]pkgplugin.HealthStatus `json:"plugins"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Service != "runnerbridge" {
		t.Errorf("health = %+v", body)
	}
	if body.Plugins["runner"].Status != "healthy" {
		t.Errorf("plugin health = %+v", body.Plugins)
	}
}

func TestHealthDegraded(t *testing.T) {
	s, _ := newTestServer(t, "unhealthy")
	var body map[string]any
	if err := json.NewDecoder(get(t, s, "/api/v1/health").Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", body["status"])
	}
}

func TestPlugins(t *testing.T) {
	s, _ := newTestServer(t, "healthy")
	var got []map[string]any
	if err := json.NewDecoder(get(t, s, "/api/v1/plugins").Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0]["name"] != "runner" || got[0]["enabled"] != true {
		t.Errorf("plugins = %v", got)
	}
}

func TestPluginRoutesMounted(t *testing.T) {
	s, _ := newTestServer(t, "healthy")
	resp := get(t, s, "/api/v1/runner/things")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if string(b) != "[]" {
		t.Errorf("body = %q", b)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, promReg := newTestServer(t, "healthy")
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "runnerbridge_test_total", Help: "test"})
	promReg.MustRegister(c)
	c.Inc()

	b, _ := io.ReadAll(get(t, s, "/metrics").Body)
	if !strings.Contains(string(b), "runnerbridge_test_total 1") {
		t.Errorf("metrics output missing counter:\n%s", b)
	}
}
