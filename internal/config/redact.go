package config

import (
	"fmt"
	"reflect"

	"github.com/goccy/go-yaml"
)

// RedactedValue replaces secrets in redacted output.
const RedactedValue = "[REDACTED]"

// RedactConfig returns a deep copy of cfg with every non-empty string field
// tagged `redact:"true"` replaced by RedactedValue. Tracing headers are
// redacted too. cfg is not modified.
func RedactConfig(cfg *Config) (*Config, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("redact: marshal failed: %w", err)
	}
	var cp Config
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("redact: unmarshal failed: %w", err)
	}
	walkStrings(reflect.ValueOf(&cp).Elem(), "", func(field reflect.Value, _ string, tag reflect.StructTag) {
		if tag.Get("redact") == "true" && field.String() != "" {
			field.SetString(RedactedValue)
		}
	})
	for k := range cp.Tracing.Headers {
		cp.Tracing.Headers[k] = RedactedValue
	}
	return &cp, nil
}
