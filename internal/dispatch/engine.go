// Package dispatch drives one request through its resolved filter chain and
// the proxy stage. Each request moves through a small state machine:
//
//	routing -> prefilter(i) -> proxy -> postfilter(j) -> done
//
// with aborted reachable from every state after routing. Exactly one
// response is emitted per request.
package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/metrics"
	"github.com/wudi/portico/internal/middleware"
	"github.com/wudi/portico/internal/proxy"
	"github.com/wudi/portico/internal/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is a step of the per-request state machine.
type State uint8

const (
	StateRouting State = iota
	StatePrefilter
	StateProxy
	StatePostfilter
	StateDone
	StateAborted
)

var stateNames = [...]string{
	StateRouting:    "routing",
	StatePrefilter:  "prefilter",
	StateProxy:      "proxy",
	StatePostfilter: "postfilter",
	StateDone:       "done",
	StateAborted:    "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Forwarder is the proxy stage.
type Forwarder interface {
	Forward(ctx context.Context, target *url.URL, r *http.Request) (*http.Response, error)
}

// Contract violations reported to logs and metrics.
const (
	violationWriteThenNext = "write_then_next"
	violationWriteThenFail = "write_then_fail"
	violationServedNoWrite = "served_without_response"
	violationPanic         = "panic"
	violationLateWrite     = "write_after_response"
)

// Engine is the dispatch engine. It is safe for concurrent use.
type Engine struct {
	store   *registry.Store
	fwd     Forwarder
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	now     func() time.Time

	violationLogs sync.Map // filter name -> *rate.Sometimes
	observe       func(Outcome)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records request and filter metrics into c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// WithTracer creates a span per filter invocation and proxy call.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithObserver calls fn with the outcome of every request once its
// response is complete.
func WithObserver(fn func(Outcome)) Option {
	return func(e *Engine) { e.observe = fn }
}

// Outcome summarizes one dispatched request.
type Outcome struct {
	State      State
	Status     int
	Kind       errors.Kind // empty unless aborted
	ProviderID string
	ResourceID string
	Filters    []string // filters invoked, in order
	Proxied    bool
	Duration   time.Duration
}

// New creates an engine serving whatever snapshot store currently holds.
func New(store *registry.Store, fwd Forwarder, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		fwd:    fwd,
		logger: zap.NewNop(),
		tracer: noop.NewTracerProvider().Tracer(""),
		now:    time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// exchange is the engine's per-request state. It is owned by the goroutine
// serving the request.
type exchange struct {
	e      *Engine
	ctx    context.Context // the client's context
	sink   *sink
	logger *zap.Logger
	reqID  string
	start  time.Time

	state   State
	kind    errors.Kind
	match   registry.Match
	proxied bool
	filters []string

	// forwarded is set once the backend may have seen the request.
	forwarded bool
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	x := &exchange{
		e:      e,
		ctx:    r.Context(),
		reqID:  requestID(r),
		start:  e.now(),
		state:  StateRouting,
		logger: e.logger,
	}
	x.sink = newSink(w, x.lateWrite)
	if x.reqID != "" {
		x.logger = x.logger.With(zap.String("request_id", x.reqID))
	}
	defer x.finish(r)

	snap := e.store.Current()
	if snap == nil {
		x.abort(errors.ErrNoProviderFound)
		return
	}
	match, ok := snap.Resolve(r.URL.Path)
	if !ok {
		x.abort(errors.ErrNoProviderFound)
		return
	}
	x.match = match
	x.logger = x.logger.With(zap.String("provider", match.Provider.ID))

	fctx := filter.NewContext(x.sink, r, filter.Options{
		Route:     match.Route(),
		Consumers: snap,
		Logger:    x.logger,
		RequestID: x.reqID,
		Start:     x.start,
	})
	x.run(fctx, match.Chain())
}

func requestID(r *http.Request) string {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

func (x *exchange) run(fctx *filter.Context, chain registry.Chain) {
	fctx.SetPhase(filter.PhaseRequest)
	x.state = StatePrefilter
	for _, d := range chain.Pre {
		if x.cancelled(fctx) {
			return
		}
		if x.invoke(fctx, d) {
			return
		}
	}

	if x.cancelled(fctx) {
		return
	}
	x.state = StateProxy
	x.forwarded = true
	resp, err := x.forward(fctx)
	if err != nil {
		ge, ok := errors.As(err)
		if !ok {
			ge = errors.ErrBadGateway.WithCause(err)
		}
		if ge.Kind == errors.KindCancelled {
			x.cancel(fctx)
			return
		}
		x.logger.Warn("backend request failed", zap.Error(ge))
		x.abort(ge)
		return
	}
	x.proxied = true
	fctx.SetResponse(resp)

	fctx.SetPhase(filter.PhaseResponse)
	x.state = StatePostfilter
	for _, d := range chain.Post {
		if x.cancelled(fctx) {
			return
		}
		if x.invoke(fctx, d) {
			closeResponse(fctx)
			return
		}
	}

	x.writeResponse(fctx)
}

func (x *exchange) forward(fctx *filter.Context) (*http.Response, error) {
	req := fctx.Request()
	route := fctx.Route()
	target := proxy.TargetURL(route.Target, route.Context, req.URL)

	ctx, span := x.e.tracer.Start(req.Context(), "proxy "+route.ProviderID,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("portico.target", target.Redacted())),
	)
	defer span.End()

	start := x.e.now()
	resp, err := x.e.fwd.Forward(ctx, target, req)
	x.e.metrics.RecordBackend(route.ProviderID, x.e.now().Sub(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

// invoke runs one filter and reports whether the chain has stopped.
func (x *exchange) invoke(fctx *filter.Context, d *registry.Descriptor) bool {
	inst, overridden := d.For(fctx.Consumer())
	x.filters = append(x.filters, d.Name)
	x.sink.setOwner(d.Name)
	phase := fctx.Phase()

	_, span := x.e.tracer.Start(x.ctx, "filter "+d.Name, trace.WithAttributes(
		attribute.String("portico.filter.module", d.Module),
		attribute.String("portico.filter.phase", phase.String()),
		attribute.Bool("portico.filter.override", overridden),
	))
	res, panicked, stack := x.call(inst, fctx)
	span.SetAttributes(attribute.String("portico.filter.outcome", res.String()))
	span.End()

	outcome := res.String()
	if panicked != nil {
		outcome = violationPanic
	}
	x.e.metrics.RecordFilter(d.Name, phase.String(), outcome)

	committed := x.sink.committed()
	switch {
	case panicked != nil:
		x.violation(d.Name, violationPanic, zap.Any("panic", panicked), zap.ByteString("stack", stack))
		if committed {
			x.state = StateDone
			return true
		}
		x.abort(errors.ErrInternalChain.WithDetails(fmt.Sprintf("filter %s panicked", d.Name)))
		return true

	case res.IsServed():
		if !committed {
			x.violation(d.Name, violationServedNoWrite)
			x.abort(errors.ErrInternalChain.WithDetails(fmt.Sprintf("filter %s did not write a response", d.Name)))
			return true
		}
		x.state = StateDone
		return true

	case committed:
		kind := violationWriteThenNext
		if res.IsFailed() {
			kind = violationWriteThenFail
		}
		x.violation(d.Name, kind, zap.Error(res.Err()))
		x.state = StateDone
		return true

	case res.IsFailed():
		ge := errors.FromFilter(res.Err())
		if ge.Kind == errors.KindCancelled || x.ctx.Err() != nil {
			x.cancel(fctx)
			return true
		}
		x.logger.Debug("filter aborted request",
			zap.String("filter", d.Name),
			zap.String("phase", phase.String()),
			zap.Int("status", ge.Status),
			zap.Error(res.Err()),
		)
		x.abort(ge)
		return true
	}
	return false
}

func (x *exchange) call(f filter.Filter, fctx *filter.Context) (res filter.Result, panicked any, stack []byte) {
	defer func() {
		if v := recover(); v != nil {
			panicked, stack = v, debug.Stack()
		}
	}()
	return f.Apply(fctx), nil, nil
}

// cancelled reports whether the client has gone away, and if so moves the
// request to aborted and releases what filters reserved. Reservations are
// kept once the request has been handed to the backend.
func (x *exchange) cancelled(fctx *filter.Context) bool {
	if x.ctx.Err() == nil {
		return false
	}
	x.cancel(fctx)
	return true
}

func (x *exchange) cancel(fctx *filter.Context) {
	x.state = StateAborted
	x.kind = errors.KindCancelled
	if !x.forwarded {
		fctx.RunCancelHooks()
	}
	closeResponse(fctx)
	x.logger.Debug("request cancelled by client",
		zap.Strings("filters", x.filters),
		zap.Bool("proxied", x.proxied),
	)
}

// abort emits ge as the response unless one was already committed.
func (x *exchange) abort(ge *errors.GatewayError) {
	x.state = StateAborted
	x.kind = ge.Kind
	if ge.RequestID == "" && x.reqID != "" {
		ge = ge.WithRequestID(x.reqID)
	}
	if x.sink.committed() {
		x.logger.Error("cannot send error, response already committed", zap.Error(ge))
		return
	}
	ge.WriteJSON(x.sink)
}

func (x *exchange) writeResponse(fctx *filter.Context) {
	resp := fctx.Response()
	defer closeResponse(fctx)

	if resp == nil {
		x.abort(errors.ErrInternalChain.WithDetails("no response after postfilters"))
		return
	}

	h := x.sink.Header()
	for k, vv := range resp.Header {
		h[k] = vv
	}
	x.sink.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		if _, err := io.Copy(x.sink, resp.Body); err != nil {
			if x.ctx.Err() != nil {
				x.cancel(fctx)
				return
			}
			x.logger.Warn("error copying backend response", zap.Error(err))
		}
	}
	x.state = StateDone
}

func closeResponse(fctx *filter.Context) {
	if resp := fctx.Response(); resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}

func (x *exchange) finish(r *http.Request) {
	x.sink.seal()

	status, _ := x.sink.result()
	if x.kind == errors.KindCancelled {
		status = errors.ErrCancelled.Status
	}
	duration := x.e.now().Sub(x.start)

	var providerID, resourceID string
	if x.match.Provider != nil {
		providerID = x.match.Provider.ID
	}
	if x.match.Resource != nil {
		resourceID = x.match.Resource.ID
	}

	x.e.metrics.RecordRequest(providerID, r.Method, status, x.state.String(), duration)
	x.logger.Debug("request dispatched",
		zap.String("path", r.URL.Path),
		zap.String("state", x.state.String()),
		zap.Int("status", status),
		zap.Duration("duration", duration),
	)

	if x.e.observe != nil {
		x.e.observe(Outcome{
			State:      x.state,
			Status:     status,
			Kind:       x.kind,
			ProviderID: providerID,
			ResourceID: resourceID,
			Filters:    x.filters,
			Proxied:    x.proxied,
			Duration:   duration,
		})
	}
}

func (x *exchange) lateWrite(owner, op string) {
	x.violation(owner, violationLateWrite, zap.String("op", op))
}

// violation reports a filter breaking the response contract. Logs are
// throttled per filter.
func (x *exchange) violation(name, kind string, fields ...zap.Field) {
	x.e.metrics.RecordViolation(name, kind)
	v, _ := x.e.violationLogs.LoadOrStore(name, &rate.Sometimes{First: 3, Interval: time.Minute})
	v.(*rate.Sometimes).Do(func() {
		x.logger.Error("filter contract violation",
			append([]zap.Field{zap.String("filter", name), zap.String("violation", kind)}, fields...)...,
		)
	})
}
