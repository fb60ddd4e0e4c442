// Package cancel implements the cancellation registry: a process-wide
// token → transport-handle table, owned exclusively by the registry
// itself so callers never get direct map access. Each registered handle
// is monitored and auto-removed when it terminates.
package cancel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Handle is anything a cancellation token can reach: a transport,
// subprocess, or RPC call in flight. Done reports termination the same
// way context.Context does, so most transport handles already satisfy
// this without adapting.
type Handle interface {
	Done() <-chan struct{}
}

// NewToken returns a fresh, unique cancellation token.
func NewToken() string { return uuid.NewString() }

// Registry maps tokens to handles. The zero value is not usable;
// construct with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register associates token with h and starts monitoring h for
// termination; once h.Done() fires, token is removed automatically. If
// token is already registered, its previous handle is replaced and the
// old monitor goroutine exits on its next observation without touching
// the new entry (safe: each monitor closes only its own token if it's
// still the current owner).
func (r *Registry) Register(token string, h Handle) {
	r.mu.Lock()
	r.handles[token] = h
	r.mu.Unlock()

	go r.monitor(token, h)
}

func (r *Registry) monitor(token string, h Handle) {
	<-h.Done()
	r.mu.Lock()
	if current, ok := r.handles[token]; ok && current == h {
		delete(r.handles, token)
	}
	r.mu.Unlock()
}

// Lookup returns the handle registered under token, or false if absent
// (never registered, unregistered, or already pruned after termination).
func (r *Registry) Lookup(token string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[token]
	return h, ok
}

// Unregister removes token's entry, if any, independent of whether the
// handle has terminated.
func (r *Registry) Unregister(token string) {
	r.mu.Lock()
	delete(r.handles, token)
	r.mu.Unlock()
}

// PruneDeadProcesses removes every entry whose handle has already
// terminated. Registered handles prune themselves automatically via the
// monitor goroutine started in Register; this is for callers that want a
// synchronous sweep (e.g. before reporting registry size) rather than
// waiting on the asynchronous monitors.
func (r *Registry) PruneDeadProcesses() (pruned []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for token, h := range r.handles {
		select {
		case <-h.Done():
			delete(r.handles, token)
			pruned = append(pruned, token)
		default:
		}
	}
	return pruned
}

// Len returns the current number of registered (not-yet-pruned) handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// ErrNotRegistered indicates a lookup/cancel was attempted against a
// token with no live entry.
type ErrNotRegistered struct{ Token string }

func (e *ErrNotRegistered) Error() string {
	return fmt.Sprintf("cancel: %s: not registered", e.Token)
}
