/*
Package cache implements the TTL cache with single-flight coalescing:
a method+canonicalized-params keyed map, with concurrent misses on the
same key collapsed into exactly one caller-supplied fill function via
golang.org/x/sync/singleflight.
*/
package cache

import (
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// TTLCache layers a map-level lock over a singleflight.Group — the
// Group already implements the waiters half of InflightToken, so the
// cache only has to decide when to install or skip a map entry around
// it.
type TTLCache struct {
	mu      sync.RWMutex
	entries map[string]entry

	group singleflight.Group
}

func New() *TTLCache {
	return &TTLCache{entries: make(map[string]entry)}
}

// Get returns the cached value for key if it exists and has not expired.
func (c *TTLCache) Get(key string, now time.Time) (json.RawMessage, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !now.Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetOrLoad returns the cached value if fresh; otherwise it calls load
// exactly once per key among all concurrent callers (the single-flight
// leader), installs the result with the given ttl on success, and never
// installs a negative cache entry on failure.
// hit reports whether the value was served from an existing entry
// without any outbound call joining in on this request, the figure the
// cache-hit counter tracks. Single-flight followers are not hits: an
// outbound call did happen for their key, they merely shared its result.
func (c *TTLCache) GetOrLoad(key string, ttl time.Duration, now time.Time, load func() (json.RawMessage, error)) (value json.RawMessage, hit bool, err error) {
	if v, ok := c.Get(key, now); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the single-flight lock: another leader may have
		// just filled the entry between our Get above and Do acquiring
		// the key.
		if cached, ok := c.Get(key, now); ok {
			return cached, nil
		}
		result, loadErr := load()
		if loadErr != nil {
			return nil, loadErr
		}
		c.fill(key, result, now, ttl)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(json.RawMessage), false, nil
}

func (c *TTLCache) fill(key string, value json.RawMessage, now time.Time, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}
