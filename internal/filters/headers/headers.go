// Package headers edits request headers (as a prefilter) or response
// headers (as a postfilter).
package headers

import (
	"net/http"
	"strings"

	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "headers"

// Config is the filter's configuration document. Remove is applied first,
// then Set, then Add.
type Config struct {
	Set    map[string]string `yaml:"set"`
	Add    map[string]string `yaml:"add"`
	Remove []string          `yaml:"remove"`
}

type Spec struct{}

// NewSpec returns the module.
func NewSpec() Spec { return Spec{} }

func (Spec) Name() string { return Module }

func (Spec) CreateFilter(_ string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	e := &editor{}
	for _, name := range c.Remove {
		e.remove = append(e.remove, http.CanonicalHeaderKey(strings.TrimSpace(name)))
	}
	for k, v := range c.Set {
		e.set = append(e.set, [2]string{http.CanonicalHeaderKey(k), v})
	}
	for k, v := range c.Add {
		e.add = append(e.add, [2]string{http.CanonicalHeaderKey(k), v})
	}
	return e, nil
}

type editor struct {
	remove []string
	set    [][2]string
	add    [][2]string
}

func (e *editor) Apply(ctx *filter.Context) filter.Result {
	var h http.Header
	if ctx.Phase() == filter.PhaseResponse {
		if resp := ctx.Response(); resp != nil {
			h = resp.Header
		}
	} else {
		h = ctx.Request().Header
	}
	if h == nil {
		return filter.Next()
	}

	for _, name := range e.remove {
		h.Del(name)
	}
	for _, kv := range e.set {
		h.Set(kv[0], kv[1])
	}
	for _, kv := range e.add {
		h.Add(kv[0], kv[1])
	}
	return filter.Next()
}
