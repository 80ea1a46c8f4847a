package cancel

import (
	"sync"
	"sync/atomic"
)

// Token is a cooperative cancellation flag shared between the caller that
// requests a stop and the worker that polls for it. It is set at most once.
type Token struct {
	cancelled atomic.Bool
}

// Cancel sets the flag. Safe to call more than once.
func (t *Token) Cancel() {
	t.cancelled.Store(true)
}

// Cancelled reports whether cancellation has been requested. Non-blocking,
// safe from any goroutine.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Registry maps operation ids to their cancellation tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
}

// NewRegistry creates an empty cancellation registry.
func NewRegistry() *Registry {
	return &Registry{tokens: make(map[string]*Token)}
}

// Create registers a fresh, unset token for id, replacing any prior token.
// An already-cancelled token is kept instead of replaced: a cancellation
// that arrived before the worker registered must still be observed.
func (r *Registry) Create(id string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tokens[id]; ok && t.Cancelled() {
		return t
	}
	t := &Token{}
	r.tokens[id] = t
	return t
}

// Get returns the token for id without side effects.
func (r *Registry) Get(id string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	return t, ok
}

// Cancel sets the flag on an existing token and reports whether one was
// found. Callers that need the cancellation to stick even when the worker
// has not registered yet should use CancelOrCreate instead.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		return false
	}
	t.Cancel()
	return true
}

// CancelOrCreate cancels the token for id, creating an already-cancelled
// token if none exists. This covers the race where cancellation is
// requested before the operation has registered its token.
func (r *Registry) CancelOrCreate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[id]
	if !ok {
		t = &Token{}
		r.tokens[id] = t
	}
	t.Cancel()
}

// Remove drops the token for id. Called by the worker's cleanup path,
// never by the canceller.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tokens, id)
}
