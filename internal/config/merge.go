package config

import (
	"fmt"

	"dario.cat/mergo"
)

// MergeFilterConfig returns a new map holding base with overlay applied on
// top. Overlay keys win; keys only present in base are kept. Neither input
// is modified.
//
// This is only called while building a snapshot, never per-request.
func MergeFilterConfig(base, overlay map[string]any) (map[string]any, error) {
	out := copyMap(base)
	if out == nil {
		out = make(map[string]any, len(overlay))
	}
	if len(overlay) == 0 {
		return out, nil
	}
	if err := mergo.Merge(&out, copyMap(overlay), mergo.WithOverride); err != nil {
		return nil, fmt.Errorf("merge filter config: %w", err)
	}
	return out, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		s := make([]any, len(t))
		for i := range t {
			s[i] = copyValue(t[i])
		}
		return s
	default:
		return v
	}
}
