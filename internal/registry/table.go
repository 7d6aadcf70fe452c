package registry

// Table is one immutable view of the endpoint set, built once per reload
// and read concurrently by the balancer and dispatcher. Endpoint pointers
// inside it may still mutate (health/rate state); the slice and map
// themselves never do after construction.
type Table struct {
	ordered []*Endpoint // excludes draining endpoints — never selected
	byURL   map[string]*Endpoint
}

// Ordered returns the selectable endpoints in snapshot order, the order
// the balancer uses as its deterministic tie-break.
func (t *Table) Ordered() []*Endpoint {
	return t.ordered
}

// ByURL resolves an endpoint by URL even if it is draining, so in-flight
// calls started before a reload can still update the endpoint they were
// dispatched to.
func (t *Table) ByURL(url string) (*Endpoint, bool) {
	e, ok := t.byURL[url]
	return e, ok
}
