package registry

import (
	"fmt"
	"net/url"
	"time"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/filter"
	"github.com/wudi/portico/internal/router"
	"go.uber.org/multierr"
)

// Build validates cfg and compiles it into a Snapshot. Every filter
// descriptor and consumer override is instantiated through catalog. The
// returned error lists every problem found; no partial snapshot is returned.
func Build(cfg *config.Config, catalog *filter.Catalog) (*Snapshot, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	b := &builder{
		cfg:     cfg,
		catalog: catalog,
		snap: &Snapshot{
			builtAt:        time.Now(),
			filters:        make(map[string]*Descriptor, len(cfg.Filters)),
			providerByID:   make(map[string]*Provider, len(cfg.Providers)),
			consumers:      make(map[string]*filter.Consumer, len(cfg.Consumers)),
			consumersByKey: make(map[string]*filter.Consumer, len(cfg.Consumers)),
			router:         router.New[*Provider, *Resource](),
		},
	}

	b.buildFilters()
	b.buildConsumers()
	b.buildOverrides()
	b.snap.globalPre = b.resolve("global prefilters", cfg.Prefilters, filter.PhaseRequest)
	b.snap.globalPost = b.resolve("global postfilters", cfg.Postfilters, filter.PhaseResponse)
	b.buildProviders()

	if b.errs != nil {
		return nil, b.errs
	}
	return b.snap, nil
}

type builder struct {
	cfg     *config.Config
	catalog *filter.Catalog
	snap    *Snapshot
	errs    error
}

func (b *builder) fail(format string, args ...any) {
	b.errs = multierr.Append(b.errs, fmt.Errorf(format, args...))
}

func (b *builder) buildFilters() {
	for _, fc := range b.cfg.Filters {
		spec, ok := b.catalog.Lookup(fc.Module)
		if !ok {
			b.fail("filter %s: unknown module %q", fc.Name, fc.Module)
			continue
		}
		inst, err := spec.CreateFilter(fc.Name, filter.Config(fc.Config))
		if err != nil {
			b.fail("filter %s: %w", fc.Name, err)
			continue
		}
		b.snap.filters[fc.Name] = &Descriptor{
			Name:        fc.Name,
			Module:      fc.Module,
			Description: fc.Description,
			Config:      filter.Config(fc.Config),
			instance:    inst,
		}
	}
}

func (b *builder) buildConsumers() {
	for _, cc := range b.cfg.Consumers {
		c := &filter.Consumer{ID: cc.ID, Key: cc.Key, Secret: cc.Secret}
		b.snap.consumers[c.ID] = c
		b.snap.consumersByKey[c.Key] = c
	}
}

func (b *builder) buildOverrides() {
	seen := make(map[[2]string]bool, len(b.cfg.Overrides))
	for _, oc := range b.cfg.Overrides {
		pair := [2]string{oc.Filter, oc.Consumer}
		if seen[pair] {
			b.fail("override %s/%s: more than one override for this filter and consumer", oc.Filter, oc.Consumer)
			continue
		}
		seen[pair] = true

		d, ok := b.snap.filters[oc.Filter]
		if !ok {
			if _, declared := b.cfg.Filter(oc.Filter); !declared {
				b.fail("override %s/%s: unknown filter %q", oc.Filter, oc.Consumer, oc.Filter)
			}
			continue
		}
		if _, ok := b.snap.consumers[oc.Consumer]; !ok {
			b.fail("override %s/%s: unknown consumer %q", oc.Filter, oc.Consumer, oc.Consumer)
			continue
		}

		merged, err := config.MergeFilterConfig(d.Config, oc.Config)
		if err != nil {
			b.fail("override %s/%s: %w", oc.Filter, oc.Consumer, err)
			continue
		}
		spec, _ := b.catalog.Lookup(d.Module)
		inst, err := spec.CreateFilter(d.Name, filter.Config(merged))
		if err != nil {
			b.fail("override %s/%s: %w", oc.Filter, oc.Consumer, err)
			continue
		}
		if d.overrides == nil {
			d.overrides = make(map[string]filter.Filter)
		}
		d.overrides[oc.Consumer] = inst
	}
}

// resolve maps attached filter names to descriptors, checking that each
// exists and supports phase.
func (b *builder) resolve(scope string, names []string, phase filter.Phase) []*Descriptor {
	out := make([]*Descriptor, 0, len(names))
	for _, name := range names {
		d, ok := b.snap.filters[name]
		if !ok {
			if _, declared := b.cfg.Filter(name); !declared {
				b.fail("%s: unknown filter %q", scope, name)
			}
			continue
		}
		spec, _ := b.catalog.Lookup(d.Module)
		if pr, ok := spec.(filter.PhaseRestricted); ok && !pr.SupportsPhase(phase) {
			b.fail("%s: filter %q (module %s) cannot run as a %s", scope, name, d.Module, phase)
			continue
		}
		out = append(out, d)
	}
	return out
}

func (b *builder) buildProviders() {
	for _, pc := range b.cfg.Providers {
		target, err := url.Parse(pc.Target)
		if err != nil {
			b.fail("provider %s: invalid target: %w", pc.ID, err)
			continue
		}

		p := &Provider{
			ID:          pc.ID,
			Context:     router.Canonical(pc.Context),
			Target:      target,
			Prefilters:  b.resolve("provider "+pc.ID+" prefilters", pc.Prefilters, filter.PhaseRequest),
			Postfilters: b.resolve("provider "+pc.ID+" postfilters", pc.Postfilters, filter.PhaseResponse),
		}
		if err := b.snap.router.AddProvider(p.Context, p); err != nil {
			b.fail("provider %s: %w", p.ID, err)
			continue
		}
		p.chain = BuildChain(b.snap.globalPre, b.snap.globalPost, p, nil)

		for _, rc := range pc.Resources {
			scope := "provider " + pc.ID + " resource " + rc.ID
			r := &Resource{
				ID:          rc.ID,
				Path:        router.Canonical(rc.Path),
				Provider:    p,
				Prefilters:  b.resolve(scope+" prefilters", rc.Prefilters, filter.PhaseRequest),
				Postfilters: b.resolve(scope+" postfilters", rc.Postfilters, filter.PhaseResponse),
			}
			if err := b.snap.router.AddResource(p.Context, r.Path, r); err != nil {
				b.fail("%s: %w", scope, err)
				continue
			}
			r.chain = BuildChain(b.snap.globalPre, b.snap.globalPost, p, r)
			p.Resources = append(p.Resources, r)
		}

		b.snap.providers = append(b.snap.providers, p)
		b.snap.providerByID[p.ID] = p
	}
}
