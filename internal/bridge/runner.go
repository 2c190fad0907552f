package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// Compile-time interface guard.
var _ Bridge = (*Runner)(nil)

// BridgeName is what Runner.Name reports.
const BridgeName = "RunnerBridge"

// thingType is the type tag used for runner thing ids.
const thingType = "Runner"

// PushFunc performs the device side of a push.
type PushFunc func(ctx context.Context, native Native, data map[string]any) error

// Option configures a Runner. Options are inherited by discovered instances.
type Option func(*Runner)

// WithSource sets the metrics source read by Pull.
func WithSource(src MetricsSource) Option {
	return func(r *Runner) { r.source = src }
}

// WithStore sets the keyed configuration store.
func WithStore(s Store) Option {
	return func(r *Runner) {
		if s != nil {
			r.store = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithListener sets the host listener.
func WithListener(l Listener) Option {
	return func(r *Runner) {
		if l != nil {
			r.listener = l
		}
	}
}

// WithDiscoverer replaces the default single-host discovery strategy.
func WithDiscoverer(d Discoverer) Option {
	return func(r *Runner) {
		if d != nil {
			r.discoverer = d
		}
	}
}

// WithPusher sets the device side of Push.
func WithPusher(fn PushFunc) Option {
	return func(r *Runner) {
		if fn != nil {
			r.pusher = fn
		}
	}
}

// metaOverlay maps store keys onto the standardized meta keys for runners.
var metaOverlay = []struct {
	key     string
	out     string
	numeric bool
}{
	{key: "runner.name", out: "schema:name"},
	{key: "runner.location.latitude", out: "schema:latitude", numeric: true},
	{key: "runner.location.longitude", out: "schema:longitude", numeric: true},
	{key: "runner.location.locality", out: "schema:addressLocality"},
	{key: "runner.location.country", out: "schema:addressCountry"},
	{key: "runner.location.region", out: "schema:addressRegion"},
	{key: "runner.location.timezone", out: "schema:timezone"},
}

// Runner bridges the local host (or another native device) to the host
// framework. A Runner without a native handle is a discovery root.
type Runner struct {
	cfg        Config
	opts       []Option
	source     MetricsSource
	store      Store
	logger     *zap.Logger
	listener   Listener
	discoverer Discoverer
	pusher     PushFunc
	thingID    string
	queue      *Queue

	mu          sync.Mutex
	native      *Native
	forgotten   bool
	connected   bool
	connectOpts ConnectOptions
	scheduler   *Scheduler
	lastPullErr error

	// reportMu serializes listener notifications so nothing is reported
	// after the disconnect notification.
	reportMu sync.Mutex
}

// New resolves configuration from initd and the store given in opts, and
// returns a discovery root.
func New(initd map[string]any, opts ...Option) (*Runner, error) {
	probe := newRunner(Config{}, nil, opts)
	cfg, err := NewConfig(initd, probe.store)
	if err != nil {
		return nil, err
	}
	probe.cfg = cfg
	return probe, nil
}

// NewRunner creates an instance bound to native, or a discovery root when
// native is nil.
func NewRunner(cfg Config, native *Native, opts ...Option) *Runner {
	return newRunner(cfg, native, opts)
}

func newRunner(cfg Config, native *Native, opts []Option) *Runner {
	r := &Runner{
		cfg:        cfg,
		opts:       opts,
		store:      emptyStore{},
		logger:     zap.NewNop(),
		listener:   ListenerFuncs{},
		discoverer: LocalDiscoverer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.pusher == nil {
		r.pusher = r.logPush
	}

	if native != nil {
		n := *native
		r.native = &n
		r.thingID = ThingURN(thingType, n.UUID, n.Number)
		r.logger = r.logger.With(zap.String("thing_id", r.thingID))
		r.queue = NewQueue(BridgeName+":"+n.UUID, r.logger)
	}
	return r
}

// Name returns the bridge name.
func (r *Runner) Name() string { return BridgeName }

// Config returns the resolved configuration.
func (r *Runner) Config() Config { return r.cfg }

// Identity returns the stable thing id, or "" for a discovery root. It stays
// available after disconnect.
func (r *Runner) Identity() string { return r.thingID }

// State reports the lifecycle state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.forgotten:
		return StateForgotten
	case r.native == nil:
		return StateUnbound
	case r.connected:
		return StateConnected
	default:
		return StateDisconnected
	}
}

// Reachable reports whether the instance still has a native handle.
func (r *Runner) Reachable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.native != nil
}

// LastPullError returns the error of the most recent pull, nil when it
// succeeded. Listeners may read it from inside Pulled.
func (r *Runner) LastPullError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPullErr
}

// PendingPushes returns the number of queued pushes that have not started.
func (r *Runner) PendingPushes() int {
	if r.queue == nil {
		return 0
	}
	return r.queue.Len()
}

// Discover runs the discovery strategy and reports one new instance per
// native found. Only a discovery root may discover.
func (r *Runner) Discover(ctx context.Context) error {
	r.mu.Lock()
	bound := r.native != nil || r.forgotten
	r.mu.Unlock()
	if bound {
		return ErrNotDiscoveryRoot
	}

	r.logger.Info("discover called")
	return r.discoverer.Discover(ctx, func(n Native) {
		child := newRunner(r.cfg, &n, r.opts)
		r.logger.Info("runner discovered",
			zap.String("thing_id", child.thingID),
			zap.String("vendor_type", string(n.VendorType)),
		)
		r.listener.Discovered(child)
	})
}

// Connect validates opts, starts polling when configured and performs one
// immediate pull. It does nothing on an unbound or forgotten instance.
func (r *Runner) Connect(ctx context.Context, opts map[string]any) error {
	if !r.Reachable() {
		return nil
	}

	co, err := ValidateConnect(opts)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.native == nil {
		r.mu.Unlock()
		return nil
	}
	r.connectOpts = co
	r.connected = true
	if r.cfg.PollInterval > 0 && r.scheduler == nil {
		interval := time.Duration(r.cfg.PollInterval) * time.Second
		r.scheduler = NewScheduler(interval, r.Reachable, r.Pull, r.logger)
		r.scheduler.Start(context.WithoutCancel(ctx))
		r.logger.Info("polling started", zap.Duration("interval", interval))
	}
	r.mu.Unlock()

	r.Pull(ctx)
	return nil
}

// Disconnect stops polling, clears the native handle, fails queued pushes
// with ErrNotConnected and reports one Pulled(nil). Repeated calls are no-ops.
func (r *Runner) Disconnect() {
	r.reportMu.Lock()

	r.mu.Lock()
	if r.native == nil {
		r.mu.Unlock()
		r.reportMu.Unlock()
		return
	}
	if r.scheduler != nil {
		r.scheduler.Stop()
		r.scheduler = nil
	}
	r.native = nil
	r.forgotten = true
	r.connected = false
	r.mu.Unlock()

	r.logger.Info("runner forgotten")
	r.listener.Pulled(r, nil)
	r.reportMu.Unlock()

	if r.queue != nil {
		r.queue.Close(ErrNotConnected)
	}
}

// Pull reads the device and reports the snapshot. Presence of the native
// handle is checked again right before reporting.
func (r *Runner) Pull(ctx context.Context) {
	r.mu.Lock()
	native := r.native
	co := r.connectOpts
	r.mu.Unlock()
	if native == nil {
		return
	}

	snapshot, err := r.read(ctx, *native, co)

	r.reportMu.Lock()
	defer r.reportMu.Unlock()

	r.mu.Lock()
	if r.native == nil {
		r.mu.Unlock()
		r.logger.Debug("pull dropped, runner forgotten")
		return
	}
	r.lastPullErr = err
	r.mu.Unlock()

	r.listener.Pulled(r, snapshot)
}

// read samples the device. Failures yield an empty snapshot and an error
// wrapping ErrSourceUnavailable.
func (r *Runner) read(ctx context.Context, native Native, co ConnectOptions) (Snapshot, error) {
	// disk and cpu are reserved vendor types with no metrics yet.
	if native.VendorType != VendorRunner {
		return Snapshot{}, nil
	}
	if r.source == nil {
		return Snapshot{}, ErrSourceUnavailable
	}

	if d := co.sampleTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	s, err := r.source.Sample(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		r.logger.Warn("metrics sample failed", zap.Error(err))
		return Snapshot{}, err
	}

	return Snapshot{
		KeyLoadAverage:     s.LoadAverage1m,
		KeyAvailableMemory: float64(s.TotalMemoryBytes),
		KeyFreeMemory:      float64(s.FreeMemoryBytes),
		KeyUptime:          float64(s.UptimeSeconds),
	}, nil
}

// Push validates data and queues it. done is called exactly once: with
// ErrNotConnected or a *ValidationError right away, with the push result
// once the item completes, or with ErrNotConnected if a disconnect drops it
// before it starts.
func (r *Runner) Push(ctx context.Context, data map[string]any, done func(error)) {
	if done == nil {
		done = func(error) {}
	}

	r.mu.Lock()
	native := r.native
	r.mu.Unlock()
	if native == nil || r.queue == nil {
		done(ErrNotConnected)
		return
	}

	if err := ValidatePush(data); err != nil {
		done(err)
		return
	}

	r.logger.Info("push", zap.Any("data", data))

	n := *native
	var pushErr error
	item := &Item{
		Run: func(finished func()) {
			defer finished()
			// Disconnect may win the race against a drain that already
			// dequeued this item.
			if !r.Reachable() {
				pushErr = ErrNotConnected
				return
			}
			pushErr = r.runPusher(ctx, n, data)
		},
		Coda: func() { done(pushErr) },
		Drop: done,
	}
	if err := r.queue.Add(item); err != nil {
		done(ErrNotConnected)
	}
}

// runPusher calls the pusher, turning a panic into an error.
func (r *Runner) runPusher(ctx context.Context, native Native, data map[string]any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("push panicked: %v", rec)
			r.logger.Error("pusher panicked", zap.String("panic", fmt.Sprint(rec)))
		}
	}()
	return r.pusher(ctx, native, data)
}

func (r *Runner) logPush(_ context.Context, native Native, data map[string]any) error {
	if on, ok := data["on"]; ok {
		r.logger.Debug("runner push has no writable attributes",
			zap.String("vendor_type", string(native.VendorType)),
			zap.Any("on", on),
		)
	}
	return nil
}

// Meta describes the instance: native fields plus, for runners, the
// location overlay from the store. Absent store keys are omitted. Returns
// nil when the instance is not bound.
func (r *Runner) Meta() map[string]any {
	r.mu.Lock()
	native := r.native
	r.mu.Unlock()
	if native == nil {
		return nil
	}

	name := native.Name
	if name == "" {
		name = thingType
	}
	meta := map[string]any{
		"iot:thing-id":    r.thingID,
		"iot:vendor.type": string(native.VendorType),
		"iot:vendor.uuid": native.UUID,
		"schema:name":     name,
	}
	if native.Number != nil {
		meta["iot:thing-number"] = *native.Number
	}

	if native.VendorType != VendorRunner {
		return meta
	}
	for _, o := range metaOverlay {
		raw, ok := r.store.Lookup(o.key)
		if !ok {
			continue
		}
		var (
			val any
			err error
		)
		if o.numeric {
			val, err = cast.ToFloat64E(raw)
		} else {
			val, err = cast.ToStringE(raw)
		}
		if err != nil {
			r.logger.Debug("skipping meta overlay value",
				zap.String("key", o.key),
				zap.Error(err),
			)
			continue
		}
		meta[o.out] = val
	}
	return meta
}

// Configure is the host setup hook. Runners need no setup routes.
func (r *Runner) Configure(_ *http.ServeMux) {}
