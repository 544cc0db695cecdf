package supervisor

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slices"
)

// Registry holds the live workers in spawn order. The position of a worker
// in that order is its ordinal, which the router uses for sticky routing.
//
// Invariants:
//   - a worker id appears at most once
//   - removing a worker shifts every later worker down by one ordinal
//
// Thread Safety:
// All methods are safe for concurrent use. Returned slices are copies.
type Registry struct {
	workers []*Worker
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends w. It fails if a worker with the same id is already present.
func (r *Registry) Add(w *Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.workers, func(x *Worker) bool { return x.id == w.id }) {
		return fmt.Errorf("worker %d already registered", w.id)
	}
	r.workers = append(r.workers, w)
	return nil
}

// Remove deletes the worker with the given id and returns it.
func (r *Registry) Remove(id int) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.workers, func(x *Worker) bool { return x.id == id })
	if idx < 0 {
		return nil, false
	}
	w := r.workers[idx]
	r.workers = slices.Delete(r.workers, idx, idx+1)
	return w, true
}

// Get returns the worker with the given id.
func (r *Registry) Get(id int) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := slices.IndexFunc(r.workers, func(x *Worker) bool { return x.id == id })
	if idx < 0 {
		return nil, false
	}
	return r.workers[idx], true
}

// At returns the worker at ordinal i, or false when i is out of range.
func (r *Registry) At(i int) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 || i >= len(r.workers) {
		return nil, false
	}
	return r.workers[i], true
}

// Len returns the number of live workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot returns the live workers in ordinal order.
func (r *Registry) Snapshot() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.workers)
}
