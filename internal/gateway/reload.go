package gateway

import (
	"slices"
	"time"

	"github.com/wudi/portico/internal/config"
	"github.com/wudi/portico/internal/registry"
	"go.uber.org/zap"
)

const maxReloadHistory = 50

// ReloadResult describes one configuration reload attempt.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Version   uint64    `json:"version,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Reload builds a snapshot from cfg and publishes it. Requests already in
// flight finish on the snapshot they started with. On failure the active
// snapshot is left untouched.
//
// Proxy transport, server and tracing settings are read only at startup.
func (g *Gateway) Reload(cfg *config.Config) ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	snap, err := registry.Build(cfg, g.catalog)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		g.logger.Error("configuration reload rejected", zap.Error(err))
		g.recordReload(result)
		return result
	}

	result.Changes = diffSnapshots(g.store.Current(), snap)
	result.Version = g.store.Publish(snap)
	g.config.Store(cfg)
	result.Success = true
	g.metrics.RecordReload(true)
	g.metrics.SetSnapshotVersion(result.Version)
	g.logger.Info("configuration snapshot published",
		zap.Uint64("version", result.Version),
		zap.Strings("changes", result.Changes),
	)
	g.recordReload(result)
	return result
}

// RecordReloadFailure adds a failed attempt that never reached Reload, e.g.
// because the file could not be parsed.
func (g *Gateway) RecordReloadFailure(err error) ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()
	result := ReloadResult{Timestamp: time.Now(), Error: err.Error()}
	g.metrics.RecordReload(false)
	g.recordReload(result)
	return result
}

// ReloadHistory returns the most recent reload attempts, oldest first.
func (g *Gateway) ReloadHistory() []ReloadResult {
	g.reloadMu.Lock()
	defer g.reloadMu.Unlock()
	return slices.Clone(g.reloadHistory)
}

// recordReload must be called with reloadMu held.
func (g *Gateway) recordReload(r ReloadResult) {
	g.reloadHistory = append(g.reloadHistory, r)
	if len(g.reloadHistory) > maxReloadHistory {
		g.reloadHistory = g.reloadHistory[len(g.reloadHistory)-maxReloadHistory:]
	}
}

// diffSnapshots lists providers and filters added or removed between two
// snapshots.
func diffSnapshots(old, next *registry.Snapshot) []string {
	var oldProviders, oldFilters []string
	if old != nil {
		for _, p := range old.Providers() {
			oldProviders = append(oldProviders, p.ID)
		}
		oldFilters = old.FilterNames()
	}
	var newProviders []string
	for _, p := range next.Providers() {
		newProviders = append(newProviders, p.ID)
	}

	var changes []string
	changes = append(changes, diffNames("provider", oldProviders, newProviders)...)
	changes = append(changes, diffNames("filter", oldFilters, next.FilterNames())...)
	return changes
}

func diffNames(kind string, old, next []string) []string {
	var out []string
	for _, n := range next {
		if !slices.Contains(old, n) {
			out = append(out, "added "+kind+" "+n)
		}
	}
	for _, n := range old {
		if !slices.Contains(next, n) {
			out = append(out, "removed "+kind+" "+n)
		}
	}
	return out
}
