package plugin

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/config"
	pkgplugin "github.com/HerbHall/runnerbridge/pkg/plugin"
)

// testPlugin is a minimal plugin for testing.
type testPlugin struct {
	name     string
	initErr  error
	startErr error
	validErr error
	routes   []Route
	seen     *viper.Viper
	log      *[]string
}

func (p *testPlugin) Name() string    { return p.name }
func (p *testPlugin) Version() string { return "1.0.0" }
func (p *testPlugin) Init(v *viper.Viper, _ *zap.Logger) error {
	p.seen = v
	p.record("init")
	return p.initErr
}
func (p *testPlugin) Start(_ context.Context) error { p.record("start"); return p.startErr }
func (p *testPlugin) Stop() error                   { p.record("stop"); return nil }
func (p *testPlugin) Routes() []Route               { return p.routes }

func (p *testPlugin) record(op string) {
	if p.log != nil {
		*p.log = append(*p.log, op+":"+p.name)
	}
}

// validatingPlugin also implements pkg/plugin.Validator and HealthChecker.
type validatingPlugin struct{ testPlugin }

func (p *validatingPlugin) ValidateConfig() error { return p.validErr }
func (p *validatingPlugin) Health(context.Context) pkgplugin.HealthStatus {
	return pkgplugin.HealthStatus{Status: "healthy"}
}

func testConfig(values map[string]any) *config.Config {
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return config.New(v)
}

func TestRegister(t *testing.T) {
	reg := NewRegistry(zap.NewNop())

	p := &testPlugin{name: "alpha"}
	if err := reg.Register(p); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(p); err == nil {
		t.Fatal("Register() expected error for duplicate, got nil")
	}
	if err := reg.Register(&testPlugin{}); err == nil {
		t.Fatal("Register() expected error for empty name, got nil")
	}
}

func TestInitAllSkipsDisabled(t *testing.T) {
	var log []string
	reg := NewRegistry(zap.NewNop())
	on := &testPlugin{name: "runner", log: &log}
	off := &testPlugin{name: "other", log: &log}
	reg.Register(on)
	reg.Register(off)

	cfg := testConfig(map[string]any{
		"plugins.runner.enabled":    true,
		"plugins.runner.push_burst": 4,
	})
	if err := reg.InitAll(cfg); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if on.seen == nil || on.seen.GetInt("push_burst") != 4 {
		t.Error("enabled plugin did not receive its config section")
	}
	if off.seen != nil {
		t.Error("disabled plugin was initialized")
	}
	if !reg.Enabled("runner") || reg.Enabled("other") {
		t.Errorf("Enabled() runner=%v other=%v", reg.Enabled("runner"), reg.Enabled("other"))
	}

	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	reg.StopAll()

	want := []string{"init:runner", "start:runner", "stop:runner"}
	if len(log) != len(want) {
		t.Fatalf("lifecycle = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("lifecycle[%d] = %q, want %q", i, log[i], want[i])
		}
	}
}

func TestInitAllError(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&testPlugin{name: "runner", initErr: errors.New("boom")})

	if err := reg.InitAll(testConfig(map[string]any{"plugins.runner.enabled": true})); err == nil {
		t.Fatal("InitAll() expected error, got nil")
	}
}

func TestInitAllValidates(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&validatingPlugin{testPlugin{name: "runner", validErr: errors.New("bad rate")}})

	if err := reg.InitAll(testConfig(map[string]any{"plugins.runner.enabled": true})); err == nil {
		t.Fatal("InitAll() expected validation error, got nil")
	}
	if reg.Enabled("runner") {
		t.Error("plugin failing validation reported enabled")
	}
}

func TestStopAllReverseOrder(t *testing.T) {
	var log []string
	reg := NewRegistry(zap.NewNop())
	reg.Register(&testPlugin{name: "a", log: &log})
	reg.Register(&testPlugin{name: "b", log: &log})
	cfg := testConfig(map[string]any{"plugins.a.enabled": true, "plugins.b.enabled": true})

	if err := reg.InitAll(cfg); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if err := reg.StartAll(context.Background()); err != nil {
		t.Fatalf("StartAll() error = %v", err)
	}
	log = nil
	reg.StopAll()
	reg.StopAll()

	if len(log) != 2 || log[0] != "stop:b" || log[1] != "stop:a" {
		t.Errorf("StopAll() order = %v, want [stop:b stop:a]", log)
	}
}

func TestStartAllFailureStopsStarted(t *testing.T) {
	var log []string
	reg := NewRegistry(zap.NewNop())
	reg.Register(&testPlugin{name: "a", log: &log})
	reg.Register(&testPlugin{name: "b", log: &log, startErr: errors.New("no")})
	cfg := testConfig(map[string]any{"plugins.a.enabled": true, "plugins.b.enabled": true})

	if err := reg.InitAll(cfg); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}
	if err := reg.StartAll(context.Background()); err == nil {
		t.Fatal("StartAll() expected error, got nil")
	}
	log = nil
	reg.StopAll()
	if len(log) != 1 || log[0] != "stop:a" {
		t.Errorf("StopAll() = %v, want [stop:a]", log)
	}
}

func TestGetAndAll(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	reg.Register(&testPlugin{name: "a"})
	reg.Register(&testPlugin{name: "b"})

	if _, ok := reg.Get("a"); !ok {
		t.Error("Get(a) not found")
	}
	if _, ok := reg.Get("missing"); ok {
		t.Error("Get(missing) found")
	}
	all := reg.All()
	if len(all) != 2 || all[0].Name() != "a" || all[1].Name() != "b" {
		t.Errorf("All() order wrong: %v", all)
	}
}

func TestAllRoutesAndHealth(t *testing.T) {
	reg := NewRegistry(zap.NewNop())
	noop := func(http.ResponseWriter, *http.Request) {}
	reg.Register(&validatingPlugin{testPlugin{
		name:   "runner",
		routes: []Route{{Method: "GET", Path: "/things", Handler: noop}},
	}})
	reg.Register(&testPlugin{
		name:   "off",
		routes: []Route{{Method: "GET", Path: "/x", Handler: noop}},
	})
	if err := reg.InitAll(testConfig(map[string]any{"plugins.runner.enabled": true})); err != nil {
		t.Fatalf("InitAll() error = %v", err)
	}

	routes := reg.AllRoutes()
	if len(routes) != 1 || len(routes["runner"]) != 1 {
		t.Errorf("AllRoutes() = %v, want only runner routes", routes)
	}

	health := reg.Health(context.Background())
	if health["runner"].Status != "healthy" {
		t.Errorf("Health() = %v", health)
	}
	if _, ok := health["off"]; ok {
		t.Error("Health() included a disabled plugin")
	}
}
