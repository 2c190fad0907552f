package config

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// RUNNERBRIDGE_SERVER_PORT=9090.
const EnvPrefix = "RUNNERBRIDGE"

// defaults holds every default value as a nested map so the same data can
// seed viper and render a starter config file.
func defaults() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"host": "0.0.0.0",
			"port": "8080",
		},
		"plugins": map[string]any{
			"runner": map[string]any{
				"enabled":    true,
				"push_rate":  5.0,
				"push_burst": 10,
				"connect":    map[string]any{},
			},
		},
		"mqtt": map[string]any{
			"broker":       "",
			"client_id":    "",
			"topic_prefix": "runnerbridge",
			"qos":          0,
			"timeout":      "10s",
		},
	}
}

// Load reads configuration from path (YAML, optional), applies defaults and
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", defaults())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %q: %w", path, err)
			}
		}
	}

	return New(v), nil
}

// WriteDefaults renders the default configuration as YAML.
func WriteDefaults(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(defaults()); err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	return enc.Close()
}

func setDefaults(v *viper.Viper, prefix string, values map[string]any) {
	for k, val := range values {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && len(nested) > 0 {
			setDefaults(v, key, nested)
			continue
		}
		v.SetDefault(key, val)
	}
}
