// Package config provides the process-wide keyed configuration store.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is a read-only view over a viper instance. Keys are dot-separated
// paths ("runner.location.latitude"). A Config built from a nil viper is
// empty and returns zero values.
type Config struct {
	v *viper.Viper
}

// New wraps v. A nil v yields an empty store.
func New(v *viper.Viper) *Config {
	if v == nil {
		v = viper.New()
	}
	return &Config{v: v}
}

// Viper returns the underlying viper instance.
func (c *Config) Viper() *viper.Viper { return c.v }

func (c *Config) GetString(key string) string          { return c.v.GetString(key) }
func (c *Config) GetInt(key string) int                { return c.v.GetInt(key) }
func (c *Config) GetBool(key string) bool              { return c.v.GetBool(key) }
func (c *Config) GetFloat64(key string) float64        { return c.v.GetFloat64(key) }
func (c *Config) GetDuration(key string) time.Duration { return c.v.GetDuration(key) }
func (c *Config) IsSet(key string) bool                { return c.v.IsSet(key) }

// Lookup returns the raw value stored at key and whether it is present.
// A key explicitly set to nil is reported as absent.
func (c *Config) Lookup(key string) (any, bool) {
	if !c.v.IsSet(key) {
		return nil, false
	}
	val := c.v.Get(key)
	if val == nil {
		return nil, false
	}
	return val, true
}

// Sub returns the subtree rooted at key. Missing subtrees yield an empty
// Config rather than nil.
func (c *Config) Sub(key string) *Config {
	return New(c.v.Sub(key))
}

// Unmarshal decodes the whole store into target using mapstructure tags.
func (c *Config) Unmarshal(target any) error {
	return c.v.Unmarshal(target)
}
