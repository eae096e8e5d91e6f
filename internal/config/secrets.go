package config

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"
)

// SecretProvider resolves secret references for one scheme.
type SecretProvider interface {
	Scheme() string
	Resolve(ctx context.Context, reference string) (string, error)
}

// SecretRegistry maps schemes to providers.
type SecretRegistry struct {
	providers map[string]SecretProvider
}

// NewSecretRegistry returns a registry holding providers.
func NewSecretRegistry(providers ...SecretProvider) *SecretRegistry {
	r := &SecretRegistry{providers: make(map[string]SecretProvider, len(providers))}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// DefaultSecretRegistry resolves ${env:NAME} and ${file:/path}.
func DefaultSecretRegistry() *SecretRegistry {
	return NewSecretRegistry(&EnvProvider{}, &FileProvider{})
}

// Register adds p, replacing any provider for the same scheme.
func (r *SecretRegistry) Register(p SecretProvider) {
	r.providers[p.Scheme()] = p
}

// Resolve delegates to the provider registered for scheme.
func (r *SecretRegistry) Resolve(ctx context.Context, scheme, reference string) (string, error) {
	p, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("unknown secret provider scheme %q", scheme)
	}
	return p.Resolve(ctx, reference)
}

// EnvProvider resolves references from environment variables.
type EnvProvider struct{}

func (p *EnvProvider) Scheme() string { return "env" }

func (p *EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	val, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("environment variable %q not set", ref)
	}
	return val, nil
}

// FileProvider resolves references by reading file contents.
type FileProvider struct {
	// AllowedPrefixes restricts readable paths. Empty allows all paths.
	AllowedPrefixes []string
}

func (p *FileProvider) Scheme() string { return "file" }

func (p *FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("file path is empty")
	}
	if len(p.AllowedPrefixes) > 0 {
		allowed := false
		for _, prefix := range p.AllowedPrefixes {
			if strings.HasPrefix(ref, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "", fmt.Errorf("file path %q not under any allowed prefix", ref)
		}
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("reading secret file %q: %w", ref, err)
	}
	return strings.TrimRight(string(data), " \t\r\n"), nil
}

// secretRefPattern matches a whole-string reference: ${scheme:reference}.
var secretRefPattern = regexp.MustCompile(`^\$\{([a-z][a-z0-9]*):(.+)\}$`)

// resolveSecretRefs replaces every ${scheme:ref} string in cfg, including
// those nested in filter and override config documents.
func resolveSecretRefs(ctx context.Context, cfg *Config, registry *SecretRegistry) error {
	resolve := func(val, path string) (string, error) {
		m := secretRefPattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		resolved, err := registry.Resolve(ctx, m[1], m[2])
		if err != nil {
			return "", fmt.Errorf("secret resolution failed for %s: %w", path, err)
		}
		return resolved, nil
	}

	var firstErr error
	walkStrings(reflect.ValueOf(cfg).Elem(), "", func(field reflect.Value, path string, _ reflect.StructTag) {
		if firstErr != nil || field.String() == "" {
			return
		}
		v, err := resolve(field.String(), path)
		if err != nil {
			firstErr = err
			return
		}
		field.SetString(v)
	})
	if firstErr != nil {
		return firstErr
	}

	for i := range cfg.Filters {
		if err := resolveDocument(cfg.Filters[i].Config, fmt.Sprintf("filters[%s].config", cfg.Filters[i].Name), resolve); err != nil {
			return err
		}
	}
	for i := range cfg.Overrides {
		o := cfg.Overrides[i]
		if err := resolveDocument(o.Config, fmt.Sprintf("overrides[%s/%s].config", o.Filter, o.Consumer), resolve); err != nil {
			return err
		}
	}
	return nil
}

// resolveDocument rewrites string leaves of an untyped YAML document.
func resolveDocument(doc map[string]any, path string, resolve func(val, path string) (string, error)) error {
	for k, v := range doc {
		out, err := resolveValue(v, path+"."+k, resolve)
		if err != nil {
			return err
		}
		doc[k] = out
	}
	return nil
}

func resolveValue(v any, path string, resolve func(val, path string) (string, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return resolve(t, path)
	case map[string]any:
		return t, resolveDocument(t, path, resolve)
	case []any:
		for i := range t {
			out, err := resolveValue(t[i], fmt.Sprintf("%s[%d]", path, i), resolve)
			if err != nil {
				return nil, err
			}
			t[i] = out
		}
		return t, nil
	}
	return v, nil
}

// walkStrings calls fn for every settable string field reachable from v
// through structs, pointers and slices of structs.
func walkStrings(v reflect.Value, path string, fn func(field reflect.Value, path string, tag reflect.StructTag)) {
	switch v.Kind() {
	case reflect.Ptr:
		if !v.IsNil() {
			walkStrings(v.Elem(), path, fn)
		}
	case reflect.Struct:
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f, sf := v.Field(i), t.Field(i)
			if !f.CanSet() {
				continue
			}
			fieldPath := sf.Name
			if path != "" {
				fieldPath = path + "." + sf.Name
			}
			switch f.Kind() {
			case reflect.String:
				fn(f, fieldPath, sf.Tag)
			case reflect.Struct, reflect.Ptr:
				walkStrings(f, fieldPath, fn)
			case reflect.Slice:
				if f.Type().Elem().Kind() == reflect.Struct {
					for j := 0; j < f.Len(); j++ {
						walkStrings(f.Index(j), fmt.Sprintf("%s[%d]", fieldPath, j), fn)
					}
				}
			}
		}
	}
}
