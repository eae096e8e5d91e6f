// Package registry holds the validated, indexed, immutable form of a
// configuration document. A Snapshot is built once per (re)load and shared
// read-only by every request that starts while it is current.
package registry

import (
	"net/url"
	"sort"
	"time"

	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/router"
)

// Descriptor is a named filter instance. The default instance is built from
// the descriptor's own config; override instances are built from that config
// merged with a consumer's override.
type Descriptor struct {
	Name        string
	Module      string
	Description string
	Config      filter.Config

	instance  filter.Filter
	overrides map[string]filter.Filter // consumer id -> instance
}

// For returns the instance to run for consumer, which may be nil. The
// second result reports whether an override was selected.
func (d *Descriptor) For(consumer *filter.Consumer) (filter.Filter, bool) {
	if consumer != nil {
		if f, ok := d.overrides[consumer.ID]; ok {
			return f, true
		}
	}
	return d.instance, false
}

// HasOverride reports whether consumerID has an override for d.
func (d *Descriptor) HasOverride(consumerID string) bool {
	_, ok := d.overrides[consumerID]
	return ok
}

// OverrideConsumers returns the ids of consumers with an override, sorted.
func (d *Descriptor) OverrideConsumers() []string {
	if len(d.overrides) == 0 {
		return nil
	}
	ids := make([]string, 0, len(d.overrides))
	for id := range d.overrides {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chain is the ordered filter list for one (provider, resource) pair.
type Chain struct {
	Pre  []*Descriptor
	Post []*Descriptor
}

// Names returns the descriptor names of c, for logs and the admin API.
func (c Chain) Names() (pre, post []string) {
	pre = make([]string, len(c.Pre))
	for i, d := range c.Pre {
		pre[i] = d.Name
	}
	post = make([]string, len(c.Post))
	for i, d := range c.Post {
		post[i] = d.Name
	}
	return pre, post
}

// BuildChain orders filters from outermost to innermost scope for
// prefilters (global, provider, resource) and innermost to outermost for
// postfilters (resource, provider, global). Attachment order is kept within
// a scope. r may be nil.
func BuildChain(globalPre, globalPost []*Descriptor, p *Provider, r *Resource) Chain {
	var rPre, rPost []*Descriptor
	if r != nil {
		rPre, rPost = r.Prefilters, r.Postfilters
	}

	pre := make([]*Descriptor, 0, len(globalPre)+len(p.Prefilters)+len(rPre))
	pre = append(pre, globalPre...)
	pre = append(pre, p.Prefilters...)
	pre = append(pre, rPre...)

	post := make([]*Descriptor, 0, len(rPost)+len(p.Postfilters)+len(globalPost))
	post = append(post, rPost...)
	post = append(post, p.Postfilters...)
	post = append(post, globalPost...)

	return Chain{Pre: pre, Post: post}
}

// Provider is a backend reachable under Context.
type Provider struct {
	ID          string
	Context     string
	Target      *url.URL
	Prefilters  []*Descriptor
	Postfilters []*Descriptor
	Resources   []*Resource

	chain Chain
}

// Chain returns the filters for requests that match no resource.
func (p *Provider) Chain() Chain { return p.chain }

// Resource is a sub-path of a provider.
type Resource struct {
	ID          string
	Path        string
	Provider    *Provider
	Prefilters  []*Descriptor
	Postfilters []*Descriptor

	chain Chain
}

// Chain returns the filters for requests that match r.
func (r *Resource) Chain() Chain { return r.chain }

// Match is the result of resolving a request path.
type Match struct {
	Provider *Provider
	Resource *Resource // nil when no resource matched
	// Rest is the request path after the provider context.
	Rest string
}

// Chain returns the precomputed chain for the match.
func (m Match) Chain() Chain {
	if m.Resource != nil {
		return m.Resource.chain
	}
	return m.Provider.chain
}

// Route describes the match for filters.
func (m Match) Route() filter.Route {
	rt := filter.Route{
		ProviderID: m.Provider.ID,
		Context:    m.Provider.Context,
		Target:     m.Provider.Target,
	}
	if m.Resource != nil {
		rt.ResourceID = m.Resource.ID
	}
	return rt
}

// Snapshot is an immutable, validated configuration.
type Snapshot struct {
	version uint64
	builtAt time.Time

	filters        map[string]*Descriptor
	globalPre      []*Descriptor
	globalPost     []*Descriptor
	providers      []*Provider
	providerByID   map[string]*Provider
	consumers      map[string]*filter.Consumer
	consumersByKey map[string]*filter.Consumer
	router         *router.Router[*Provider, *Resource]
}

// Version is assigned when the snapshot is published to a Store.
func (s *Snapshot) Version() uint64 { return s.version }

// BuiltAt is when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Resolve finds the provider and resource addressed by path.
func (s *Snapshot) Resolve(path string) (Match, bool) {
	route, ok := s.router.Resolve(path)
	if !ok {
		return Match{}, false
	}
	m := Match{Provider: route.Provider, Rest: route.Rest}
	if route.HasResource {
		m.Resource = route.Resource
	}
	return m, true
}

// Chain returns the chain for p and r. r may be nil.
func (s *Snapshot) Chain(p *Provider, r *Resource) Chain {
	if r != nil {
		return r.chain
	}
	return p.chain
}

// Filter returns the descriptor called name.
func (s *Snapshot) Filter(name string) (*Descriptor, bool) {
	d, ok := s.filters[name]
	return d, ok
}

// Provider returns the provider with id.
func (s *Snapshot) Provider(id string) (*Provider, bool) {
	p, ok := s.providerByID[id]
	return p, ok
}

// Providers returns providers in configuration order.
func (s *Snapshot) Providers() []*Provider { return s.providers }

// GlobalPrefilters returns the global prefilter attachments.
func (s *Snapshot) GlobalPrefilters() []*Descriptor { return s.globalPre }

// GlobalPostfilters returns the global postfilter attachments.
func (s *Snapshot) GlobalPostfilters() []*Descriptor { return s.globalPost }

// ConsumerByKey implements filter.ConsumerDirectory.
func (s *Snapshot) ConsumerByKey(key string) (*filter.Consumer, bool) {
	c, ok := s.consumersByKey[key]
	return c, ok
}

// ConsumerByID implements filter.ConsumerDirectory.
func (s *Snapshot) ConsumerByID(id string) (*filter.Consumer, bool) {
	c, ok := s.consumers[id]
	return c, ok
}

// FilterNames returns all descriptor names, sorted.
func (s *Snapshot) FilterNames() []string {
	names := make([]string, 0, len(s.filters))
	for n := range s.filters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NumConsumers returns the number of consumers.
func (s *Snapshot) NumConsumers() int { return len(s.consumers) }
