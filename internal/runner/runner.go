// Package runner hosts the RunnerBridge as a registry plugin: it discovers
// runners on start, keeps every instance connected, republishes what they
// report on the event bus and exposes them over HTTP.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/runnerbridge/internal/bridge"
	"github.com/HerbHall/runnerbridge/internal/plugin"
	pkgplugin "github.com/HerbHall/runnerbridge/pkg/plugin"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin           = (*Plugin)(nil)
	_ bridge.Listener         = (*Plugin)(nil)
	_ pkgplugin.HealthChecker = (*Plugin)(nil)
	_ pkgplugin.Validator     = (*Plugin)(nil)
)

const pluginVersion = "0.1.0"

// Option configures the plugin.
type Option func(*Plugin)

// WithSource sets the metrics source handed to every runner.
func WithSource(src bridge.MetricsSource) Option {
	return func(p *Plugin) { p.source = src }
}

// WithStore sets the keyed store used for config defaults and meta.
func WithStore(s bridge.Store) Option {
	return func(p *Plugin) { p.store = s }
}

// WithDiscoverer replaces the local-host discovery strategy.
func WithDiscoverer(d bridge.Discoverer) Option {
	return func(p *Plugin) { p.discoverer = d }
}

// WithPusher sets the device side of pushes.
func WithPusher(fn bridge.PushFunc) Option {
	return func(p *Plugin) { p.pusher = fn }
}

// WithRegisterer sets where metrics are registered. Defaults to the
// prometheus default registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Plugin) { p.registerer = reg }
}

type thing struct {
	runner   *bridge.Runner
	snapshot bridge.Snapshot
	lastErr  error
}

// Plugin is the runner registry plugin.
type Plugin struct {
	bus        pkgplugin.EventBus
	source     bridge.MetricsSource
	store      bridge.Store
	discoverer bridge.Discoverer
	pusher     bridge.PushFunc
	registerer prometheus.Registerer

	logger      *zap.Logger
	root        *bridge.Runner
	connectOpts map[string]any
	pushRate    float64
	pushBurst   int
	limiter     *rate.Limiter
	metrics     *collectors

	mu      sync.RWMutex
	things  map[string]*thing
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New creates the plugin. bus may be nil.
func New(bus pkgplugin.EventBus, opts ...Option) *Plugin {
	p := &Plugin{
		bus:        bus,
		registerer: prometheus.DefaultRegisterer,
		logger:     zap.NewNop(),
		things:     make(map[string]*thing),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Plugin) Name() string    { return "runner" }
func (p *Plugin) Version() string { return pluginVersion }

// Init reads the plugins.runner section: push_rate, push_burst, connect and
// initd (instance configuration such as poll).
func (p *Plugin) Init(v *viper.Viper, logger *zap.Logger) error {
	if logger != nil {
		p.logger = logger
	}
	if v == nil {
		v = viper.New()
	}
	v.SetDefault("push_rate", 5.0)
	v.SetDefault("push_burst", 10)

	p.pushRate = v.GetFloat64("push_rate")
	p.pushBurst = v.GetInt("push_burst")
	p.connectOpts = v.GetStringMap("connect")
	p.limiter = rate.NewLimiter(rate.Limit(p.pushRate), p.pushBurst)

	var initd map[string]any
	if v.IsSet("initd") {
		initd = v.GetStringMap("initd")
	}

	opts := []bridge.Option{
		bridge.WithLogger(p.logger),
		bridge.WithListener(p),
		bridge.WithSource(p.source),
		bridge.WithStore(p.store),
		bridge.WithDiscoverer(p.discoverer),
		bridge.WithPusher(p.pusher),
	}
	root, err := bridge.New(initd, opts...)
	if err != nil {
		return fmt.Errorf("runner config: %w", err)
	}
	p.root = root

	p.metrics = newCollectors(p.countThings, p.pendingPushes)
	if p.registerer != nil {
		if err := p.metrics.register(p.registerer); err != nil {
			return err
		}
	}

	p.logger.Info("runner plugin initialized",
		zap.Int("poll", root.Config().PollInterval),
		zap.Float64("push_rate", p.pushRate),
		zap.Int("push_burst", p.pushBurst),
	)
	return nil
}

// ValidateConfig rejects rate limits that would block every push.
func (p *Plugin) ValidateConfig() error {
	if p.pushRate <= 0 {
		return fmt.Errorf("push_rate must be positive, got %v", p.pushRate)
	}
	if p.pushBurst < 1 {
		return fmt.Errorf("push_burst must be at least 1, got %d", p.pushBurst)
	}
	if _, err := bridge.ValidateConnect(p.connectOpts); err != nil {
		return err
	}
	return nil
}

// Start runs discovery in the background.
func (p *Plugin) Start(ctx context.Context) error {
	if p.root == nil {
		return errors.New("runner plugin not initialized")
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.ctx, p.cancel = context.WithCancel(context.WithoutCancel(ctx))
	p.started = true
	discoverCtx := p.ctx
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.root.Discover(discoverCtx); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("runner discovery failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop ends discovery and disconnects every instance.
func (p *Plugin) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	p.cancel()
	p.mu.Unlock()

	p.wg.Wait()

	for _, t := range p.snapshotThings() {
		t.runner.Disconnect()
	}
	return nil
}

// Discovered connects each new instance with the configured options.
func (p *Plugin) Discovered(b bridge.Bridge) {
	r, ok := b.(*bridge.Runner)
	if !ok {
		p.logger.Warn("ignoring unknown bridge", zap.String("bridge", b.Name()))
		return
	}
	id := r.Identity()

	p.mu.Lock()
	if _, dup := p.things[id]; dup {
		p.mu.Unlock()
		p.logger.Debug("runner rediscovered, keeping existing instance", zap.String("thing_id", id))
		return
	}
	p.things[id] = &thing{runner: r}
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	p.publish(ctx, TopicDiscovered, DiscoveredEvent{ThingID: id, Meta: r.Meta()})

	if err := r.Connect(ctx, p.connectOpts); err != nil {
		p.logger.Error("runner connect failed", zap.String("thing_id", id), zap.Error(err))
	}
}

// Pulled records the snapshot, or forgets the instance when s is nil.
func (p *Plugin) Pulled(b bridge.Bridge, s bridge.Snapshot) {
	r, ok := b.(*bridge.Runner)
	if !ok {
		return
	}
	id := r.Identity()
	ctx := context.Background()

	if s == nil {
		p.mu.Lock()
		if t, ok := p.things[id]; ok && t.runner == r {
			delete(p.things, id)
		}
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.forget(id)
		}
		p.publish(ctx, TopicGone, GoneEvent{ThingID: id})
		return
	}

	pullErr := r.LastPullError()
	p.mu.Lock()
	if t, ok := p.things[id]; ok && t.runner == r {
		t.snapshot = s
		t.lastErr = pullErr
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.pulls.WithLabelValues(id).Inc()
		if pullErr != nil {
			p.metrics.sourceFailures.WithLabelValues(id).Inc()
		}
	}

	ev := PulledEvent{ThingID: id, Snapshot: s}
	if pullErr != nil {
		ev.Error = pullErr.Error()
	}
	p.publish(ctx, TopicPulled, ev)
}

// Health reports unhealthy before Start and degraded while any instance's
// last pull failed.
func (p *Plugin) Health(_ context.Context) pkgplugin.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return pkgplugin.HealthStatus{Status: "unhealthy", Message: "not started"}
	}
	failing := 0
	for _, t := range p.things {
		if t.lastErr != nil {
			failing++
		}
	}
	details := map[string]string{
		"things":  fmt.Sprint(len(p.things)),
		"failing": fmt.Sprint(failing),
	}
	if failing > 0 {
		return pkgplugin.HealthStatus{Status: "degraded", Message: "metrics source failing", Details: details}
	}
	return pkgplugin.HealthStatus{Status: "healthy", Details: details}
}

// Thing returns the connected instance with the given thing id.
func (p *Plugin) Thing(id string) (*bridge.Runner, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.things[id]
	if !ok {
		return nil, false
	}
	return t.runner, true
}

func (p *Plugin) publish(ctx context.Context, topic string, payload any) {
	if p.bus == nil {
		return
	}
	err := p.bus.Publish(ctx, pkgplugin.Event{
		Topic:     topic,
		Source:    p.Name(),
		Timestamp: nowFunc(),
		Payload:   payload,
	})
	if err != nil {
		p.logger.Warn("event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// snapshotThings returns the known instances sorted by thing id.
func (p *Plugin) snapshotThings() []thing {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]thing, 0, len(p.things))
	for _, t := range p.things {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].runner.Identity() < out[j].runner.Identity()
	})
	return out
}

func (p *Plugin) countThings() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return float64(len(p.things))
}

func (p *Plugin) pendingPushes() float64 {
	n := 0
	for _, t := range p.snapshotThings() {
		n += t.runner.PendingPushes()
	}
	return float64(n)
}
