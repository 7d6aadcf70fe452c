package registry

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scerb/rpc-relay/internal/config"
)

// Registry owns the current Table and rebuilds it on every config
// reload, preserving per-endpoint state for URLs retained across the
// reload.
type Registry struct {
	table atomic.Pointer[Table]
}

// New builds a Registry seeded from an initial snapshot. All endpoints
// start fresh since there is no prior Table to diff against.
func New(snap *config.Snapshot) *Registry {
	r := &Registry{}
	r.table.Store(buildInitial(snap))
	return r
}

func buildInitial(snap *config.Snapshot) *Table {
	ordered := make([]*Endpoint, 0, len(snap.Endpoints))
	byURL := make(map[string]*Endpoint, len(snap.Endpoints))
	for _, spec := range snap.Endpoints {
		ep := newEndpoint(spec)
		ordered = append(ordered, ep)
		byURL[spec.URL] = ep
	}
	return &Table{ordered: ordered, byURL: byURL}
}

// Current returns the live Table. Lock-free; safe for concurrent use.
func (r *Registry) Current() *Table {
	return r.table.Load()
}

// Snapshot copies every selectable endpoint's current stats in snapshot
// order, the in-process read surface for dashboards and the metrics
// refresher.
func (r *Registry) Snapshot(now time.Time) []Stats {
	table := r.table.Load()
	out := make([]Stats, 0, len(table.ordered))
	for _, ep := range table.ordered {
		out = append(out, ep.Stats(now))
	}
	return out
}

// ReloadFrom rebuilds the Table from a freshly validated Snapshot,
// diffing by URL against the previous Table.
// Retained endpoints keep their pointer (and therefore their health/rate
// state); added endpoints start healthy; removed endpoints are flagged
// draining and kept reachable via ByURL but dropped from Ordered so the
// balancer never selects them again.
func (r *Registry) ReloadFrom(snap *config.Snapshot) {
	prev := r.table.Load()

	wantedURLs := make(map[string]config.EndpointSpec, len(snap.Endpoints))
	for _, spec := range snap.Endpoints {
		wantedURLs[spec.URL] = spec
	}

	ordered := make([]*Endpoint, 0, len(snap.Endpoints))
	byURL := make(map[string]*Endpoint, len(prev.byURL)+len(snap.Endpoints))

	for _, spec := range snap.Endpoints {
		if existing, ok := prev.byURL[spec.URL]; ok && !existing.Draining() {
			existing.refreshSpec(spec)
			ordered = append(ordered, existing)
			byURL[spec.URL] = existing
			continue
		}
		fresh := newEndpoint(spec)
		ordered = append(ordered, fresh)
		byURL[spec.URL] = fresh
		slog.Info("registry: endpoint added", slog.String("url", spec.URL), slog.String("tier", spec.Tier.String()))
	}

	for url, ep := range prev.byURL {
		if _, stillWanted := wantedURLs[url]; stillWanted {
			continue
		}
		ep.setDraining(true)
		byURL[url] = ep
		slog.Info("registry: endpoint draining", slog.String("url", url))
	}

	r.table.Store(&Table{ordered: ordered, byURL: byURL})
}
