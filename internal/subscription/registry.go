// Package subscription tracks which runs the client wants live updates for.
//
// The registry is desired state only. It knows nothing about the transport;
// the supervisor replays it on every successful connect.
package subscription

import "sync"

// Registry is an ordered set of run ids. Ids keep the position of their first
// add until removed; a removed id that is added again goes to the end.
type Registry struct {
	mu    sync.RWMutex
	order []string
	index map[string]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{index: make(map[string]struct{})}
}

// Add inserts id and reports whether membership changed. Empty ids are
// ignored.
func (r *Registry) Add(id string) bool {
	if id == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; ok {
		return false
	}
	r.index[id] = struct{}{}
	r.order = append(r.order, id)
	return true
}

// Remove deletes id and reports whether membership changed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[id]; !ok {
		return false
	}
	delete(r.index, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Has reports membership.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// IDs returns a copy of the members in add order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of members.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
