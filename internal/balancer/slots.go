package balancer

import "github.com/scerb/rpc-relay/internal/registry"

// expandSlots turns a weighted candidate list into a flat virtual-slot
// table, one entry per weight unit, preserving candidate order.
func expandSlots(candidates []*registry.Endpoint) []*registry.Endpoint {
	slots := make([]*registry.Endpoint, 0, len(candidates))
	for _, ep := range candidates {
		w := ep.Weight()
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			slots = append(slots, ep)
		}
	}
	return slots
}
