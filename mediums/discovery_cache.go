package mediums

import "sync"

// discoveryCache suppresses repeated sightings. Platform stacks redeliver the
// same found event many times; only the first one per (group, name) passes,
// and a lost event passes only for names that were found.
type discoveryCache struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func newDiscoveryCache() *discoveryCache {
	return &discoveryCache{seen: make(map[string]map[string]struct{})}
}

// found reports whether name is new for group and records it.
func (c *discoveryCache) found(group, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	names, ok := c.seen[group]
	if !ok {
		names = make(map[string]struct{})
		c.seen[group] = names
	}
	if _, dup := names[name]; dup {
		return false
	}
	names[name] = struct{}{}
	return true
}

// lost reports whether name had been found in group and forgets it.
func (c *discoveryCache) lost(group, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	names, ok := c.seen[group]
	if !ok {
		return false
	}
	if _, had := names[name]; !had {
		return false
	}
	delete(names, name)
	if len(names) == 0 {
		delete(c.seen, group)
	}
	return true
}

func (c *discoveryCache) forget(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, group)
}
