package config

import (
	"fmt"
	"net/url"

	"go.uber.org/multierr"
)

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the shape of the document. Every problem is reported.
// Cross references (filter names, overlapping contexts, overrides) are
// checked when the registry snapshot is built.
func Validate(cfg *Config) error {
	var errs error

	if cfg.Server.Address == "" {
		errs = multierr.Append(errs, fmt.Errorf("server: address is required"))
	}
	if cfg.Server.RequestID.MaxLength < 0 {
		errs = multierr.Append(errs, fmt.Errorf("server: request_id.max_length must not be negative"))
	}
	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		errs = multierr.Append(errs, fmt.Errorf("admin: address is required when enabled"))
	}
	if cfg.Logging.Level != "" && !validLogLevels[cfg.Logging.Level] {
		errs = multierr.Append(errs, fmt.Errorf("logging: invalid level %q", cfg.Logging.Level))
	}
	if cfg.Tracing.Enabled {
		if cfg.Tracing.Endpoint == "" {
			errs = multierr.Append(errs, fmt.Errorf("tracing: endpoint is required when enabled"))
		}
		if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
			errs = multierr.Append(errs, fmt.Errorf("tracing: sample_rate must be between 0 and 1"))
		}
	}

	filterNames := make(map[string]bool, len(cfg.Filters))
	for i, f := range cfg.Filters {
		errs = multierr.Append(errs, validateFilter(i, f, filterNames))
	}

	providerIDs := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		errs = multierr.Append(errs, validateProvider(i, p, providerIDs))
	}

	consumerIDs := make(map[string]bool, len(cfg.Consumers))
	consumerKeys := make(map[string]bool, len(cfg.Consumers))
	for i, c := range cfg.Consumers {
		errs = multierr.Append(errs, validateConsumer(i, c, consumerIDs, consumerKeys))
	}

	for i, o := range cfg.Overrides {
		if o.Filter == "" || o.Consumer == "" {
			errs = multierr.Append(errs, fmt.Errorf("override %d: filter and consumer are required", i))
		}
	}

	return errs
}

func validateFilter(i int, f FilterConfig, seen map[string]bool) error {
	var errs error
	if f.Name == "" {
		return fmt.Errorf("filter %d: name is required", i)
	}
	if seen[f.Name] {
		errs = multierr.Append(errs, fmt.Errorf("duplicate filter name: %s", f.Name))
	}
	seen[f.Name] = true
	if f.Module == "" {
		errs = multierr.Append(errs, fmt.Errorf("filter %s: module is required", f.Name))
	}
	return errs
}

func validateProvider(i int, p ProviderConfig, seen map[string]bool) error {
	var errs error
	if p.ID == "" {
		return fmt.Errorf("provider %d: id is required", i)
	}
	if seen[p.ID] {
		errs = multierr.Append(errs, fmt.Errorf("duplicate provider id: %s", p.ID))
	}
	seen[p.ID] = true

	if p.Context == "" {
		errs = multierr.Append(errs, fmt.Errorf("provider %s: context is required", p.ID))
	}
	if p.Target == "" {
		errs = multierr.Append(errs, fmt.Errorf("provider %s: target is required", p.ID))
	} else if err := validateTarget(p.Target); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("provider %s: %w", p.ID, err))
	}

	resourceIDs := make(map[string]bool, len(p.Resources))
	for j, r := range p.Resources {
		if r.ID == "" {
			errs = multierr.Append(errs, fmt.Errorf("provider %s: resource %d: id is required", p.ID, j))
			continue
		}
		if resourceIDs[r.ID] {
			errs = multierr.Append(errs, fmt.Errorf("provider %s: duplicate resource id: %s", p.ID, r.ID))
		}
		resourceIDs[r.ID] = true
	}
	return errs
}

func validateTarget(target string) error {
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("invalid target %q: %w", target, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid target %q: scheme must be http or https", target)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid target %q: host is required", target)
	}
	return nil
}

func validateConsumer(i int, c ConsumerConfig, ids, keys map[string]bool) error {
	var errs error
	if c.ID == "" {
		return fmt.Errorf("consumer %d: id is required", i)
	}
	if ids[c.ID] {
		errs = multierr.Append(errs, fmt.Errorf("duplicate consumer id: %s", c.ID))
	}
	ids[c.ID] = true
	if c.Key == "" {
		errs = multierr.Append(errs, fmt.Errorf("consumer %s: key is required", c.ID))
	} else if keys[c.Key] {
		errs = multierr.Append(errs, fmt.Errorf("consumer %s: duplicate key", c.ID))
	}
	keys[c.Key] = true
	return errs
}
