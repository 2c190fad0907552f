package bridge

import (
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/jsonschema-go/jsonschema"
)

//go:embed schema/*.json
var schemaFS embed.FS

var (
	connectSchema = mustLoadSchema("connect.json")
	pushSchema    = mustLoadSchema("push.json")
)

// ConnectOptions are the decoded, validated options passed to Connect.
type ConnectOptions struct {
	// SampleTimeout in seconds bounds each metrics sample; 0 means no bound.
	SampleTimeout int `mapstructure:"sample_timeout"`
}

func (o ConnectOptions) sampleTimeout() time.Duration {
	return time.Duration(o.SampleTimeout) * time.Second
}

func mustLoadSchema(name string) *jsonschema.Resolved {
	rs, err := loadSchema(name)
	if err != nil {
		panic(err)
	}
	return rs
}

func loadSchema(name string) (*jsonschema.Resolved, error) {
	data, err := schemaFS.ReadFile("schema/" + name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	rs, err := s.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema %s: %w", name, err)
	}
	return rs, nil
}

// validateDocument checks doc against rs. A nil doc validates as {}.
// Documents are normalized through JSON first so Go numeric types are
// judged the same way a JSON client's payload would be.
func validateDocument(subject string, rs *jsonschema.Resolved, doc map[string]any) (map[string]any, error) {
	normalized := map[string]any{}
	if doc != nil {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, &ValidationError{Subject: subject, Err: err}
		}
		if err := json.Unmarshal(raw, &normalized); err != nil {
			return nil, &ValidationError{Subject: subject, Err: err}
		}
	}
	if err := rs.Validate(normalized); err != nil {
		return nil, &ValidationError{Subject: subject, Err: err}
	}
	return normalized, nil
}

// ValidateConnect validates and decodes connect options.
func ValidateConnect(opts map[string]any) (ConnectOptions, error) {
	doc, err := validateDocument("connect", connectSchema, opts)
	if err != nil {
		return ConnectOptions{}, err
	}
	var out ConnectOptions
	if err := mapstructure.WeakDecode(doc, &out); err != nil {
		return ConnectOptions{}, &ValidationError{Subject: "connect", Err: err}
	}
	return out, nil
}

// ValidatePush validates a push payload.
func ValidatePush(data map[string]any) error {
	_, err := validateDocument("push", pushSchema, data)
	return err
}
