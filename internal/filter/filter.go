// Package filter defines the contract between the dispatch engine and the
// filter modules it runs. A filter inspects or mutates one request (as a
// prefilter) or one response (as a postfilter) and reports one of three
// outcomes: continue with the next filter, abort with an error, or stop
// because it has written the response itself.
package filter

import (
	"fmt"

	"github.com/goccy/go-yaml"
)

// Phase tells a filter whether it runs before or after the proxy call.
type Phase uint8

const (
	PhaseRequest Phase = iota
	PhaseResponse
)

func (p Phase) String() string {
	switch p {
	case PhaseRequest:
		return "prefilter"
	case PhaseResponse:
		return "postfilter"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

type outcome uint8

const (
	outcomeNext outcome = iota
	outcomeFail
	outcomeServed
)

// Result is the outcome of one filter invocation.
type Result struct {
	kind outcome
	err  error
}

// Next continues with the following filter, or the proxy after the last prefilter.
func Next() Result { return Result{kind: outcomeNext} }

// Fail aborts the chain. The engine renders err as a JSON error response;
// the filter must not write to the response itself.
func Fail(err error) Result {
	if err == nil {
		err = fmt.Errorf("filter failed without an error")
	}
	return Result{kind: outcomeFail, err: err}
}

// Served stops the chain. The filter has written the complete response.
func Served() Result { return Result{kind: outcomeServed} }

func (r Result) IsNext() bool   { return r.kind == outcomeNext }
func (r Result) IsFailed() bool { return r.kind == outcomeFail }
func (r Result) IsServed() bool { return r.kind == outcomeServed }

// Err returns the abort error, if any.
func (r Result) Err() error { return r.err }

func (r Result) String() string {
	switch r.kind {
	case outcomeNext:
		return "next"
	case outcomeFail:
		return "fail"
	case outcomeServed:
		return "served"
	}
	return "unknown"
}

// Filter is a configured filter instance. Apply is called once per request
// per attachment and may block, for example while reading a body; it must
// honor cancellation of ctx.Request().Context() when it does.
// Instances are shared by concurrent requests.
type Filter interface {
	Apply(ctx *Context) Result
}

// Func adapts a function to the Filter interface.
type Func func(ctx *Context) Result

func (f Func) Apply(ctx *Context) Result { return f(ctx) }

// Spec is a filter module. CreateFilter is called once per descriptor and
// once per consumer override when a configuration snapshot is built.
type Spec interface {
	// Name is the module name referenced by filter descriptors.
	Name() string
	CreateFilter(name string, cfg Config) (Filter, error)
}

// PhaseRestricted is implemented by specs that only make sense in one
// phase. Attaching them elsewhere fails the snapshot build.
type PhaseRestricted interface {
	SupportsPhase(Phase) bool
}

// Config is the opaque key-value document attached to a descriptor.
type Config map[string]any

// Decode converts the document into v, typically a pointer to a struct with
// yaml tags. Unknown keys are rejected.
func (c Config) Decode(v any) error {
	if len(c) == 0 {
		return nil
	}
	b, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("encode filter config: %w", err)
	}
	if err := yaml.UnmarshalWithOptions(b, v, yaml.Strict()); err != nil {
		return fmt.Errorf("decode filter config: %w", err)
	}
	return nil
}
