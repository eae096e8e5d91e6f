// Package gateway assembles the data plane and serves it alongside the
// admin API.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/dispatch"
	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/filters"
	"github.com/wudi/portico/internal/logging"
	"github.com/wudi/portico/internal/metrics"
	"github.com/wudi/portico/internal/middleware"
	"github.com/wudi/portico/internal/proxy"
	"github.com/wudi/portico/internal/ratelimit"
	"github.com/wudi/portico/internal/registry"
	"github.com/wudi/portico/internal/tracing"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Gateway is the data plane: it owns the published configuration snapshot
// and serves requests through the dispatch engine.
type Gateway struct {
	store     *registry.Store
	config    atomic.Pointer[config.Config]
	catalog   *filter.Catalog
	limiter   *ratelimit.Limiter
	forwarder dispatch.Forwarder
	engine    *dispatch.Engine
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	logger    *zap.Logger
	handler   http.Handler

	reloadMu      sync.Mutex
	reloadHistory []ReloadResult
}

// Option configures a Gateway.
type Option func(*options)

type options struct {
	logger    *zap.Logger
	forwarder dispatch.Forwarder
	metrics   *metrics.Collector
}

// WithLogger sets the gateway's logger. Defaults to the global logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithForwarder replaces the HTTP forwarder built from the proxy config.
func WithForwarder(f dispatch.Forwarder) Option {
	return func(o *options) { o.forwarder = f }
}

// WithMetrics sets the metrics collector. Defaults to a fresh one.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// New builds the first snapshot from cfg and wires the request pipeline.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.Global()
	}
	if o.metrics == nil {
		o.metrics = metrics.NewCollector()
	}

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	g := &Gateway{
		limiter: ratelimit.New(),
		metrics: o.metrics,
		tracer:  tracer,
		logger:  o.logger,
	}
	g.catalog = filters.Catalog(filters.Deps{
		Limiter: g.limiter,
		Metrics: g.metrics,
		Logger:  g.logger,
	})

	snap, err := registry.Build(cfg, g.catalog)
	if err != nil {
		tracer.Close(context.Background())
		return nil, err
	}
	g.store = registry.NewStore(snap)
	g.config.Store(cfg)
	g.metrics.SetSnapshotVersion(snap.Version())

	g.forwarder = o.forwarder
	if g.forwarder == nil {
		g.forwarder = proxy.New(cfg.Proxy)
	}
	g.engine = dispatch.New(g.store, g.forwarder,
		dispatch.WithLogger(g.logger.Named("dispatch")),
		dispatch.WithMetrics(g.metrics),
		dispatch.WithTracer(tracer.Tracer()),
	)

	g.handler = middleware.NewChain(
		middleware.Recover(g.logger),
		middleware.RequestID(middleware.RequestIDOptions{
			TrustInbound: cfg.Server.RequestID.TrustInbound,
			MaxLength:    cfg.Server.RequestID.MaxLength,
		}),
		tracer.Middleware(),
	).Then(g.engine)

	g.logger.Info("configuration snapshot published",
		zap.Uint64("version", snap.Version()),
		zap.Int("providers", len(snap.Providers())),
		zap.Int("filters", len(snap.FilterNames())),
		zap.Int("consumers", snap.NumConsumers()),
	)
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// Snapshot returns the active configuration snapshot.
func (g *Gateway) Snapshot() *registry.Snapshot {
	return g.store.Current()
}

// Config returns the document the active snapshot was built from.
func (g *Gateway) Config() *config.Config {
	return g.config.Load()
}

// Metrics returns the gateway's collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Limiter returns the limiter shared by every ratelimit filter.
func (g *Gateway) Limiter() *ratelimit.Limiter {
	return g.limiter
}

// Tracer returns the gateway's tracer.
func (g *Gateway) Tracer() *tracing.Tracer {
	return g.tracer
}

// Close releases idle backend connections and flushes traces.
func (g *Gateway) Close(ctx context.Context) error {
	var errs error
	if c, ok := g.forwarder.(interface{ CloseIdleConnections() }); ok {
		c.CloseIdleConnections()
	}
	errs = multierr.Append(errs, g.tracer.Close(ctx))
	return errs
}
