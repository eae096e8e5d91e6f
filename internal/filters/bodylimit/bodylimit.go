// Package bodylimit rejects request bodies larger than a configured size.
package bodylimit

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
)

// Module is the name descriptors use to reference this filter.
const Module = "body-limit"

// Config is the filter's configuration document.
type Config struct {
	MaxBytes int64 `yaml:"max_bytes"`
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
	if c.MaxBytes <= 0 {
		return nil, fmt.Errorf("max_bytes must be positive")
	}
	return &bodyLimit{max: c.MaxBytes}, nil
}

type bodyLimit struct {
	max int64
}

// Apply checks Content-Length first. Bodies of unknown length are read up
// to the limit and replaced with the buffered copy.
func (f *bodyLimit) Apply(ctx *filter.Context) filter.Result {
	r := ctx.Request()
	if r.ContentLength > f.max {
		return filter.Fail(f.tooLarge())
	}
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength >= 0 {
		return filter.Next()
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, f.max+1))
	r.Body.Close()
	if err != nil {
		if r.Context().Err() != nil {
			return filter.Fail(errors.ErrCancelled.WithCause(err))
		}
		return filter.Fail(errors.ErrBadRequest.WithDetails("error reading request body").WithCause(err))
	}
	if int64(len(buf)) > f.max {
		return filter.Fail(f.tooLarge())
	}

	r2 := r.Clone(r.Context())
	r2.Body = io.NopCloser(bytes.NewReader(buf))
	r2.ContentLength = int64(len(buf))
	ctx.SetRequest(r2)
	return filter.Next()
}

func (f *bodyLimit) tooLarge() *errors.GatewayError {
	return errors.ErrRequestEntityTooLarge.WithDetails(fmt.Sprintf("request body exceeds %d bytes", f.max))
}
