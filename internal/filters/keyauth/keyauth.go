// Package keyauth authenticates consumers by API key.
package keyauth

import (
	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "key-auth"

// Config is the filter's configuration document.
type Config struct {
	// Header carrying the key. Defaults to X-API-Key when neither Header
	// nor Query is set.
	Header string `yaml:"header"`
	Query  string `yaml:"query"`
	// HideCredentials removes the key before the request is proxied.
	HideCredentials bool `yaml:"hide_credentials"`
	// Anonymous lets requests without a key through without a consumer.
	// A key that is present but unknown is still rejected.
	Anonymous bool `yaml:"anonymous"`
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

func (Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseRequest }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Header == "" && c.Query == "" {
		c.Header = "X-API-Key"
	}
	return &keyAuth{cfg: c}, nil
}

type keyAuth struct {
	cfg Config
}

func (a *keyAuth) Apply(ctx *filter.Context) filter.Result {
	key := a.extractKey(ctx)
	if key == "" {
		if a.cfg.Anonymous {
			return filter.Next()
		}
		return a.reject(ctx, "API key not provided")
	}

	dir := ctx.Consumers()
	if dir == nil {
		return a.reject(ctx, "Invalid API key")
	}
	consumer, ok := dir.ConsumerByKey(key)
	if !ok {
		return a.reject(ctx, "Invalid API key")
	}

	ctx.SetConsumer(consumer)
	if a.cfg.HideCredentials {
		a.hide(ctx)
	}
	return filter.Next()
}

func (a *keyAuth) extractKey(ctx *filter.Context) string {
	r := ctx.Request()
	if a.cfg.Header != "" {
		if key := r.Header.Get(a.cfg.Header); key != "" {
			return key
		}
	}
	if a.cfg.Query != "" {
		if key := r.URL.Query().Get(a.cfg.Query); key != "" {
			return key
		}
	}
	return ""
}

func (a *keyAuth) hide(ctx *filter.Context) {
	r := ctx.Request()
	if a.cfg.Header != "" {
		r.Header.Del(a.cfg.Header)
	}
	if a.cfg.Query != "" {
		q := r.URL.Query()
		if q.Has(a.cfg.Query) {
			q.Del(a.cfg.Query)
			r.URL.RawQuery = q.Encode()
		}
	}
}

func (a *keyAuth) reject(ctx *filter.Context, details string) filter.Result {
	ctx.ResponseWriter().Header().Set("WWW-Authenticate", "API-Key")
	return ctx.ServeError(errors.ErrUnauthorized.WithDetails(details))
}
