package bridge

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// ConfigStorePrefix is where stored bridge defaults live in the Store.
const ConfigStorePrefix = "bridges.RunnerBridge.initd"

// DefaultPollInterval is the built-in poll interval in seconds.
const DefaultPollInterval = 30

// configKeys lists the keys resolved by NewConfig.
var configKeys = []string{"poll"}

// Config is the immutable configuration of a Runner.
type Config struct {
	// PollInterval in seconds; 0 disables polling.
	PollInterval int `mapstructure:"poll"`
}

// NewConfig resolves each key as caller > stored default > built-in default.
// A key whose value is nil is treated as absent.
func NewConfig(caller map[string]any, store Store) (Config, error) {
	if store == nil {
		store = emptyStore{}
	}

	merged := map[string]any{"poll": DefaultPollInterval}
	for _, key := range configKeys {
		if val, ok := caller[key]; ok && val != nil {
			merged[key] = val
			continue
		}
		if val, ok := store.Lookup(ConfigStorePrefix + "." + key); ok {
			merged[key] = val
		}
	}

	var cfg Config
	if err := mapstructure.WeakDecode(merged, &cfg); err != nil {
		return Config{}, &ValidationError{Subject: "config", Err: err}
	}
	if cfg.PollInterval < 0 {
		return Config{}, &ValidationError{
			Subject: "config",
			Err:     fmt.Errorf("poll must be >= 0, got %d", cfg.PollInterval),
		}
	}
	return cfg, nil
}
