// Package filters links the built-in filter modules into a catalog.
package filters

import (
	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/filters/accesslog"
	"github.com/wudi/portico/internal/filters/basicauth"
	"github.com/wudi/portico/internal/filters/bodylimit"
	"github.com/wudi/portico/internal/filters/compress"
	"github.com/wudi/portico/internal/filters/cors"
	"github.com/wudi/portico/internal/filters/digestauth"
	"github.com/wudi/portico/internal/filters/headers"
	"github.com/wudi/portico/internal/filters/iprestriction"
	"github.com/wudi/portico/internal/filters/jwtauth"
	"github.com/wudi/portico/internal/filters/keyauth"
	"github.com/wudi/portico/internal/filters/ratelimit"
	"github.com/wudi/portico/internal/metrics"
	limiter "github.com/wudi/portico/internal/ratelimit"
	"go.uber.org/zap"
)

// Deps are the process-wide services modules share across snapshots.
type Deps struct {
	Limiter *limiter.Limiter
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Catalog returns a catalog holding every built-in module.
func Catalog(deps Deps) *filter.Catalog {
	if deps.Limiter == nil {
		deps.Limiter = limiter.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return filter.NewCatalog(
		keyauth.NewSpec(),
		basicauth.NewSpec(),
		digestauth.NewSpec(),
		jwtauth.NewSpec(),
		ratelimit.NewSpec(deps.Limiter, deps.Metrics),
		cors.NewSpec(),
		bodylimit.NewSpec(),
		headers.NewSpec(),
		iprestriction.NewSpec(),
		compress.NewSpec(),
		accesslog.NewSpec(deps.Logger),
	)
}
