/*
Пакет balancer реализует:
- Выбор endpoint'а по уровню (primary/secondary), задержке и бюджету rate limit
- Взвешенный round-robin поверх отфильтрованных кандидатов
- Атомарный курсор для выбора слота без блокировок на пути чтения
*/

package balancer

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/scerb/rpc-relay/internal/config"
	"github.com/scerb/rpc-relay/internal/registry"
)

var ErrNoEndpointAvailable = errors.New("no endpoint available")

// Balancer selects endpoints against a live Registry. The virtual-slot
// expansion is cheap enough to recompute on every Select (proportional
// to the surviving candidate count, not the whole endpoint table); only
// the cursor is shared mutable state, advanced with a single atomic op.
type Balancer struct {
	reg *registry.Registry

	latencyThresholdMS atomic.Int64 // 0 means unset
	cursor             atomic.Uint64
}

// New builds a Balancer bound to reg, reading the latency threshold from
// the initial snapshot.
func New(reg *registry.Registry, snap *config.Snapshot) *Balancer {
	b := &Balancer{reg: reg}
	b.latencyThresholdMS.Store(int64(snap.LatencyThresholdMS))
	return b
}

// UpdateThreshold is called from the config store's reload subscriber:
// the latency threshold is the only snapshot-derived value the balancer
// keeps, everything else reads the live Table fresh on every Select.
func (b *Balancer) UpdateThreshold(snap *config.Snapshot) {
	b.latencyThresholdMS.Store(int64(snap.LatencyThresholdMS))
}

// Select picks an endpoint for one outbound call against the live Table.
func (b *Balancer) Select(now time.Time) (*registry.Endpoint, error) {
	table := b.reg.Current()
	candidates := b.buildCandidates(table)
	if len(candidates) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	candidates = filterByRate(candidates, now)
	if len(candidates) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	return b.pickWeighted(candidates), nil
}

// buildCandidates runs steps 1-3: healthy+non-draining, tier preference,
// latency filter with single-element fallback.
func (b *Balancer) buildCandidates(table *registry.Table) []*registry.Endpoint {
	ordered := table.Ordered()

	var primaries, secondaries []*registry.Endpoint
	for _, ep := range ordered {
		if ep.Status() != registry.StatusHealthy || ep.Draining() {
			continue
		}
		if ep.Tier() == config.TierPrimary {
			primaries = append(primaries, ep)
		} else {
			secondaries = append(secondaries, ep)
		}
	}

	pool := primaries
	if len(pool) == 0 {
		pool = secondaries
	}
	if len(pool) == 0 {
		return nil
	}

	threshold := b.latencyThresholdMS.Load()
	if threshold == 0 {
		return pool
	}

	filtered := make([]*registry.Endpoint, 0, len(pool))
	for _, ep := range pool {
		if ep.EWMALatencyMS() <= float64(threshold) {
			filtered = append(filtered, ep)
		}
	}
	if len(filtered) > 0 {
		return filtered
	}

	// Fallback: the single lowest-latency endpoint across the
	// pre-filter pool.
	best := pool[0]
	for _, ep := range pool[1:] {
		if ep.EWMALatencyMS() < best.EWMALatencyMS() {
			best = ep
		}
	}
	return []*registry.Endpoint{best}
}

func filterByRate(candidates []*registry.Endpoint, now time.Time) []*registry.Endpoint {
	filtered := make([]*registry.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.Rate.CanSend(now) {
			filtered = append(filtered, ep)
		}
	}
	return filtered
}

// pickWeighted expands candidates into weight virtual slots and advances
// a monotonic cursor modulo the slot count under a single atomic op.
func (b *Balancer) pickWeighted(candidates []*registry.Endpoint) *registry.Endpoint {
	slots := expandSlots(candidates)
	idx := (b.cursor.Add(1) - 1) % uint64(len(slots))
	return slots[idx]
}

// SelectExcluding runs the same algorithm as Select but discards
// excludeURL from the candidate set first, used by the dispatcher's
// single retry against a different endpoint after a transport failure
// or 5xx.
func (b *Balancer) SelectExcluding(now time.Time, excludeURL string) (*registry.Endpoint, error) {
	table := b.reg.Current()
	candidates := b.buildCandidates(table)
	if len(candidates) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	filtered := make([]*registry.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		if ep.URL != excludeURL {
			filtered = append(filtered, ep)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	filtered = filterByRate(filtered, now)
	if len(filtered) == 0 {
		return nil, ErrNoEndpointAvailable
	}

	return b.pickWeighted(filtered), nil
}

// EarliestWait returns the soonest instant any candidate in the current
// healthy/tier/latency-filtered pool could send, for the dispatcher's
// bounded rate wait.
func (b *Balancer) EarliestWait(now time.Time) (time.Time, bool) {
	table := b.reg.Current()
	candidates := b.buildCandidates(table)
	if len(candidates) == 0 {
		return time.Time{}, false
	}

	earliest := candidates[0].Rate.EarliestAvailable(now)
	for _, ep := range candidates[1:] {
		t := ep.Rate.EarliestAvailable(now)
		if t.Before(earliest) {
			earliest = t
		}
	}
	return earliest, true
}
