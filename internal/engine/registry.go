package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrAlreadyActive is returned when registering a job that already has an execution.
var ErrAlreadyActive = errors.New("job already active")

// Handle is an in-flight execution that can be awaited and cancelled.
type Handle interface {
	// Cancel requests cancellation without waiting for it to take effect.
	Cancel()
	// Done is closed once the execution has settled.
	Done() <-chan struct{}
	Wait(ctx context.Context) (json.RawMessage, error)
}

// Registry maps the ID of every active job to its execution handle.
// Entries are added when a job is activated and deleted when the job reaches
// a terminal event; lookups never observe a half-removed entry.
//
// The claim lock spans the dispatcher's claim of a job in the store and the
// Add that follows it. Lookup and Claiming callers therefore never see a job
// that is active in the store but missing here.
type Registry struct {
	claim sync.Mutex

	mu     sync.Mutex
	active map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]Handle)}
}

// Add registers h for the job id.
func (r *Registry) Add(id string, h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyActive, id)
	}
	r.active[id] = h
	return nil
}

// Get returns the handle for id, if the job is active.
func (r *Registry) Get(id string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.active[id]
	return h, ok
}

// Claiming runs fn under the claim lock.
func (r *Registry) Claiming(fn func()) {
	r.claim.Lock()
	defer r.claim.Unlock()
	fn()
}

// Lookup is Get, except that it waits for an in-progress claim to register
// its job first.
func (r *Registry) Lookup(id string) (Handle, bool) {
	r.claim.Lock()
	defer r.claim.Unlock()
	return r.Get(id)
}

// Delete removes the entry for id and reports whether one existed.
// Deleting an absent id is a no-op.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[id]; !ok {
		return false
	}
	delete(r.active, id)
	return true
}

// Len returns the number of active jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// IDs returns the active job IDs in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
