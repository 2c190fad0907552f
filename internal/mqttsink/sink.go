// Package mqttsink mirrors runner snapshots onto an MQTT broker as retained
// state messages.
package mqttsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HerbHall/runnerbridge/internal/config"
	"github.com/HerbHall/runnerbridge/internal/runner"
	"github.com/HerbHall/runnerbridge/pkg/plugin"
)

const publishTimeout = 5 * time.Second

// Config is the mqtt section of the configuration.
type Config struct {
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         int           `mapstructure:"qos"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// LoadConfig reads the mqtt section. hostID seeds the default client id so
// bridges on different hosts never share one.
func LoadConfig(cfg *config.Config, hostID string) (Config, error) {
	var c Config
	if err := cfg.Sub("mqtt").Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("mqtt config: %w", err)
	}
	if c.QoS < 0 || c.QoS > 2 {
		return Config{}, fmt.Errorf("mqtt config: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.TopicPrefix == "" {
		c.TopicPrefix = "runnerbridge"
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientID(hostID)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c, nil
}

// DefaultClientID derives a broker client id from hostID, short enough for
// MQTT 3.1 brokers that cap ids at 23 bytes. An empty hostID yields a
// random id.
func DefaultClientID(hostID string) string {
	var id uuid.UUID
	if hostID == "" {
		id = uuid.New()
	} else {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(hostID))
	}
	return "runnerbridge-" + strings.ReplaceAll(id.String(), "-", "")[:10]
}

// Enabled reports whether a broker is configured.
func (c Config) Enabled() bool { return c.Broker != "" }

// Client is the part of mqtt.Client the sink uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
	Disconnect(quiesce uint)
}

// statePayload is the JSON body of a state message.
type statePayload struct {
	ThingID   string             `json:"thing_id"`
	Snapshot  map[string]float64 `json:"snapshot"`
	Error     string             `json:"error,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Sink publishes runner.pulled and runner.gone events to MQTT.
type Sink struct {
	cfg    Config
	client Client
	logger *zap.Logger

	mu      sync.Mutex
	unsubs  []func()
	stopped bool
	wg      sync.WaitGroup
}

// New creates a sink backed by a paho client for cfg.
func New(cfg Config, logger *zap.Logger) *Sink {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return NewWithClient(cfg, mqtt.NewClient(opts), logger)
}

// NewWithClient creates a sink using client.
func NewWithClient(cfg Config, client Client, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{cfg: cfg, client: client, logger: logger}
}

// Start connects to the broker and subscribes to runner events on bus.
func (s *Sink) Start(ctx context.Context, bus plugin.EventBus) error {
	tok := s.client.Connect()
	if err := wait(ctx, tok, s.cfg.Timeout); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	s.logger.Info("mqtt sink connected", zap.String("broker", s.cfg.Broker))

	s.mu.Lock()
	s.stopped = false
	s.unsubs = append(s.unsubs,
		bus.Subscribe(runner.TopicPulled, s.handlePulled),
		bus.Subscribe(runner.TopicGone, s.handleGone),
	)
	s.mu.Unlock()
	return nil
}

// Stop unsubscribes, waits for in-flight publishes and disconnects.
func (s *Sink) Stop() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.stopped = true
	s.mu.Unlock()
	if unsubs == nil {
		return
	}
	for _, u := range unsubs {
		u()
	}
	s.wg.Wait()
	s.client.Disconnect(250)
	s.logger.Info("mqtt sink disconnected")
}

// StateTopic returns the state topic for thingID. MQTT wildcard and level
// separators in the id are replaced with '_'.
func (s *Sink) StateTopic(thingID string) string {
	clean := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, thingID)
	return s.cfg.TopicPrefix + "/" + clean + "/state"
}

func (s *Sink) handlePulled(_ context.Context, e plugin.Event) {
	ev, ok := e.Payload.(runner.PulledEvent)
	if !ok {
		return
	}
	body, err := json.Marshal(statePayload{
		ThingID:   ev.ThingID,
		Snapshot:  ev.Snapshot,
		Error:     ev.Error,
		Timestamp: e.Timestamp,
	})
	if err != nil {
		s.logger.Error("encode state", zap.String("thing_id", ev.ThingID), zap.Error(err))
		return
	}
	s.publish(s.StateTopic(ev.ThingID), body)
}

// handleGone clears the retained state.
func (s *Sink) handleGone(_ context.Context, e plugin.Event) {
	ev, ok := e.Payload.(runner.GoneEvent)
	if !ok {
		return
	}
	s.publish(s.StateTopic(ev.ThingID), []byte{})
}

// publish drops messages once Stop has begun. The bus copies its
// subscribers before dispatch, so a handler can still run after unsubscribe.
func (s *Sink) publish(topic string, body []byte) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	tok := s.client.Publish(topic, byte(s.cfg.QoS), true, body)
	go func() {
		defer s.wg.Done()
		if err := wait(context.Background(), tok, publishTimeout); err != nil {
			s.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

var errTimeout = errors.New("timed out")

func wait(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return errTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
