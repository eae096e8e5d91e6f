// Package filtertest provides helpers for testing filter modules outside
// the dispatch engine.
package filtertest

import (
	"net/http"
	"net/http/httptest"
	"net/url"

	"github.com/wudi/portico/internal/filter"
)

// Consumers is an in-memory filter.ConsumerDirectory.
type Consumers map[string]*filter.Consumer // key -> consumer

// NewConsumers indexes cs by key.
func NewConsumers(cs ...filter.Consumer) Consumers {
	d := make(Consumers, len(cs))
	for i := range cs {
		c := cs[i]
		d[c.Key] = &c
	}
	return d
}

func (d Consumers) ConsumerByKey(key string) (*filter.Consumer, bool) {
	c, ok := d[key]
	return c, ok
}

func (d Consumers) ConsumerByID(id string) (*filter.Consumer, bool) {
	for _, c := range d {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// Route is the route given to contexts created by NewContext.
var Route = filter.Route{
	ProviderID: "api",
	Context:    "/api",
	Target:     &url.URL{Scheme: "http", Host: "backend.test"},
}

// NewContext returns a request-phase context for r that records what the
// filter writes.
func NewContext(r *http.Request, consumers filter.ConsumerDirectory) (*filter.Context, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	ctx := filter.NewContext(rec, r, filter.Options{
		Route:     Route,
		Consumers: consumers,
		RequestID: "test-request",
	})
	return ctx, rec
}

// NewResponseContext returns a response-phase context holding resp.
func NewResponseContext(r *http.Request, resp *http.Response) (*filter.Context, *httptest.ResponseRecorder) {
	ctx, rec := NewContext(r, nil)
	ctx.SetPhase(filter.PhaseResponse)
	ctx.SetResponse(resp)
	return ctx, rec
}

// Create builds a filter from spec and panics on error. Use it only with
// known-good configs.
func Create(spec filter.Spec, name string, cfg filter.Config) filter.Filter {
	f, err := spec.CreateFilter(name, cfg)
	if err != nil {
		panic(err)
	}
	return f
}
