package ble

import "sync"

// LostEntityTracker finds entities that were seen in one sweep period but
// not the next.
type LostEntityTracker[K comparable] struct {
	mu       sync.Mutex
	current  map[K]struct{}
	previous map[K]struct{}
}

func NewLostEntityTracker[K comparable]() *LostEntityTracker[K] {
	return &LostEntityTracker[K]{
		current:  make(map[K]struct{}),
		previous: make(map[K]struct{}),
	}
}

func (t *LostEntityTracker[K]) RecordFoundEntity(k K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current[k] = struct{}{}
}

// ComputeLostEntities returns what was found last period but not this one,
// then starts a new period.
func (t *LostEntityTracker[K]) ComputeLostEntities() []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	var lost []K
	for k := range t.previous {
		if _, ok := t.current[k]; !ok {
			lost = append(lost, k)
		}
	}
	t.previous = t.current
	t.current = make(map[K]struct{})
	return lost
}
