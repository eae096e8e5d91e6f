// Package ratelimit is the filter module that charges requests against
// scoped token buckets.
package ratelimit

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/wudi/portico/internal/errors"
	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/metrics"
	limiter "github.com/wudi/portico/internal/ratelimit"
)

// Module is the name descriptors use to reference this filter.
const Module = "ratelimit"

// Config is the filter's configuration document.
type Config struct {
	Limit  int           `yaml:"limit"`
	Period time.Duration `yaml:"period"`
	// Scope is a single scope; Scopes lists several that must all allow.
	Scope  string   `yaml:"scope"`
	Scopes []string `yaml:"scopes"`
	// Headers controls the X-RateLimit-* response headers. Default on.
	Headers *bool `yaml:"headers"`
}

// Spec creates rate limit filters sharing one limiter.
type Spec struct {
	limiter *limiter.Limiter
	metrics *metrics.Collector
}

// NewSpec returns the module. m may be nil.
func NewSpec(l *limiter.Limiter, m *metrics.Collector) *Spec {
	return &Spec{limiter: l, metrics: m}
}

func (s *Spec) Name() string { return Module }

// SupportsPhase restricts the module to prefilters.
func (s *Spec) SupportsPhase(p filter.Phase) bool { return p == filter.PhaseRequest }

func (s *Spec) CreateFilter(name string, cfg filter.Config) (filter.Filter, error) {
	var c Config
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.Period == 0 {
		c.Period = time.Second
	}
	rule := limiter.Rule{Capacity: c.Limit, Period: c.Period}
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	names := c.Scopes
	if len(names) == 0 {
		names = []string{c.Scope}
	} else if c.Scope != "" {
		return nil, fmt.Errorf("scope and scopes are mutually exclusive")
	}
	scopes := make([]limiter.Scope, 0, len(names))
	for _, n := range names {
		sc, err := limiter.ParseScope(n)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, sc)
	}

	return &rateLimit{
		name:    name,
		rule:    rule,
		scopes:  scopes,
		headers: c.Headers == nil || *c.Headers,
		limiter: s.limiter,
		metrics: s.metrics,
	}, nil
}

type rateLimit struct {
	name    string
	rule    limiter.Rule
	scopes  []limiter.Scope
	headers bool
	limiter *limiter.Limiter
	metrics *metrics.Collector
}

func (f *rateLimit) Apply(ctx *filter.Context) filter.Result {
	var consumerID string
	if c := ctx.Consumer(); c != nil {
		consumerID = c.ID
	}
	keys := limiter.ResolveKeys(f.name, f.rule, f.scopes, ctx.Route().ProviderID, consumerID)
	d := f.limiter.Take(keys...)
	f.metrics.RecordRateLimit(f.name, d.Allowed)

	h := ctx.ResponseWriter().Header()
	if f.headers {
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.Itoa(seconds(d.ResetAfter)))
	}

	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(seconds(d.RetryAfter)))
		return filter.Fail(errors.ErrRateLimitExceeded.WithDetails(
			fmt.Sprintf("limit of %d per %s reached", f.rule.Capacity, f.rule.Period)))
	}

	ctx.OnCancel(d.Refund)
	return filter.Next()
}

func seconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
