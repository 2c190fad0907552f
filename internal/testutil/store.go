package testutil

import (
	"testing"

	"github.com/spf13/viper"

	"github.com/HerbHall/runnerbridge/internal/config"
)

// NewStore returns a config store holding values, keyed by dotted path.
func NewStore(t *testing.T, values map[string]any) *config.Config {
	t.Helper()
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return config.New(v)
}
