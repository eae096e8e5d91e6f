package filter

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/wudi/portico/internal/errors"
	"go.uber.org/zap"
)

// Consumer is an API caller identity.
type Consumer struct {
	ID     string
	Key    string
	Secret string
}

// ConsumerDirectory looks up consumers in the configuration snapshot the
// request started with.
type ConsumerDirectory interface {
	ConsumerByKey(key string) (*Consumer, bool)
	ConsumerByID(id string) (*Consumer, bool)
}

// Route describes where the request was resolved to.
type Route struct {
	ProviderID string
	Context    string
	ResourceID string // empty when no resource matched
	Target     *url.URL
}

// Options carries what the engine knows about a request when it creates its
// Context.
type Options struct {
	Route     Route
	Consumers ConsumerDirectory
	Logger    *zap.Logger
	RequestID string
	Start     time.Time
}

// Context is the per-request state handed to every filter in a chain. It is
// owned by the goroutine dispatching the request; filters run one at a time.
type Context struct {
	w         http.ResponseWriter
	request   *http.Request
	response  *http.Response
	phase     Phase
	route     Route
	consumer  *Consumer
	consumers ConsumerDirectory
	bag       map[string]any
	logger    *zap.Logger
	requestID string
	start     time.Time

	cancelMu    sync.Mutex
	cancelHooks []func()
}

// NewContext creates the context for one request. w is the guarded writer
// filters use to serve a response directly.
func NewContext(w http.ResponseWriter, r *http.Request, opts Options) *Context {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	start := opts.Start
	if start.IsZero() {
		start = time.Now()
	}
	return &Context{
		w:         w,
		request:   r,
		route:     opts.Route,
		consumers: opts.Consumers,
		logger:    logger,
		requestID: opts.RequestID,
		start:     start,
	}
}

// Request returns the inbound request as mutated by earlier filters.
func (c *Context) Request() *http.Request { return c.request }

// SetRequest replaces the inbound request, e.g. after wrapping its body.
func (c *Context) SetRequest(r *http.Request) { c.request = r }

// Response returns the backend response. It is nil during the request phase.
func (c *Context) Response() *http.Response { return c.response }

// SetResponse replaces the backend response. The caller becomes
// responsible for closing the body of the response it replaced.
func (c *Context) SetResponse(r *http.Response) { c.response = r }

// ResponseWriter returns the writer a filter uses to serve a response
// itself. After writing, the filter must return Served.
func (c *Context) ResponseWriter() http.ResponseWriter { return c.w }

// Phase reports which chain is running.
func (c *Context) Phase() Phase { return c.phase }

// SetPhase is called by the engine between the prefilter and postfilter chains.
func (c *Context) SetPhase(p Phase) { c.phase = p }

// Route returns the resolved provider and resource.
func (c *Context) Route() Route { return c.route }

// Consumer returns the identity attached by an authentication filter.
func (c *Context) Consumer() *Consumer { return c.consumer }

// SetConsumer attaches a resolved identity. Later filters in the chain see
// it, and per-consumer overrides apply from the next filter on.
func (c *Context) SetConsumer(consumer *Consumer) { c.consumer = consumer }

// Consumers returns the consumer directory of the active snapshot.
func (c *Context) Consumers() ConsumerDirectory { return c.consumers }

// Set stores a value for later filters of the same request.
func (c *Context) Set(key string, v any) {
	if c.bag == nil {
		c.bag = make(map[string]any)
	}
	c.bag[key] = v
}

// Get returns a value stored by an earlier filter.
func (c *Context) Get(key string) (any, bool) {
	v, ok := c.bag[key]
	return v, ok
}

// Logger returns a logger with request fields attached.
func (c *Context) Logger() *zap.Logger { return c.logger }

// RequestID returns the request's correlation id.
func (c *Context) RequestID() string { return c.requestID }

// StartTime is when the engine started dispatching the request.
func (c *Context) StartTime() time.Time { return c.start }

// OnCancel registers fn to run if the client goes away before the request
// reaches the backend. Filters use it to give back what they reserved.
func (c *Context) OnCancel(fn func()) {
	c.cancelMu.Lock()
	c.cancelHooks = append(c.cancelHooks, fn)
	c.cancelMu.Unlock()
}

// RunCancelHooks runs the registered cancel hooks once, most recent first.
func (c *Context) RunCancelHooks() {
	c.cancelMu.Lock()
	hooks := c.cancelHooks
	c.cancelHooks = nil
	c.cancelMu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
}

// ServeError writes ge as the response and returns Served. Filters use it
// when they answer a request themselves, e.g. with 401.
func (c *Context) ServeError(ge *errors.GatewayError) Result {
	if ge.RequestID == "" && c.requestID != "" {
		ge = ge.WithRequestID(c.requestID)
	}
	ge.WriteJSON(c.w)
	return Served()
}
