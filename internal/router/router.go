package router

import "fmt"

// Route is the outcome of resolving a request path.
type Route[P, R any] struct {
	Provider P
	// Resource is the zero value when HasResource is false; the provider
	// was addressed without resource granularity.
	Resource    R
	HasResource bool
	// Context is the matched provider context.
	Context string
	// Rest is the request path with the provider context removed.
	Rest string
}

type providerEntry[P, R any] struct {
	provider  P
	resources *Tree[R]
}

// Router resolves request paths to a provider and, optionally, one of its
// resources. Providers are matched by the longest context prefix on a
// segment boundary; resources by the longest path prefix of the remainder.
// Build a Router fully before sharing it between goroutines.
type Router[P, R any] struct {
	providers *Tree[*providerEntry[P, R]]
}

// New returns an empty router.
func New[P, R any]() *Router[P, R] {
	return &Router[P, R]{providers: NewTree[*providerEntry[P, R]]()}
}

// AddProvider registers a provider under context. Contexts may not overlap:
// no registered context may be a prefix of another.
func (r *Router[P, R]) AddProvider(context string, p P) error {
	if existing, ok := r.providers.Overlapping(context); ok {
		return fmt.Errorf("context %q overlaps %q: %w", context, existing, ErrOverlap)
	}
	return r.providers.Insert(context, &providerEntry[P, R]{
		provider:  p,
		resources: NewTree[R](),
	})
}

// AddResource registers a resource path under the provider at context.
// Resource paths must be unique within a provider; nesting is allowed.
func (r *Router[P, R]) AddResource(context, path string, res R) error {
	m, ok := r.providers.Lookup(context)
	if !ok || m.Prefix != Canonical(context) {
		return fmt.Errorf("no provider registered at context %q", context)
	}
	if err := m.Value.resources.Insert(path, res); err != nil {
		return fmt.Errorf("resource path %q: %w", path, err)
	}
	return nil
}

// Resolve finds the provider and resource for path.
func (r *Router[P, R]) Resolve(path string) (Route[P, R], bool) {
	pm, ok := r.providers.Lookup(path)
	if !ok {
		return Route[P, R]{}, false
	}
	route := Route[P, R]{
		Provider: pm.Value.provider,
		Context:  pm.Prefix,
		Rest:     pm.Rest,
	}
	if rm, ok := pm.Value.resources.Lookup(pm.Rest); ok {
		route.Resource = rm.Value
		route.HasResource = true
	}
	return route, true
}

// Len returns the number of registered providers.
func (r *Router[P, R]) Len() int { return r.providers.Len() }
