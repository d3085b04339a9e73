package orchestrator

import (
	"context"
	"sync"
)

// CancelRegistry hands out one context.Context per session, cancellable
// independently of any other session's, so a DELETE /v1/sessions/{id}
// unblocks exactly that session's in-flight provider calls without
// touching anyone else's (§5). It is the orchestrator's per-session
// analogue of the pattern the old in-memory session manager used for its
// cancelFunc map, generalized from one process-wide map of chat sessions
// to one map of pipeline runs.
type CancelRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	ctxs    map[string]context.Context
}

// NewCancelRegistry builds an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{
		cancels: make(map[string]context.CancelFunc),
		ctxs:    make(map[string]context.Context),
	}
}

// Register derives a cancellable child of parent for sessionID and
// remembers it. Calling Register again for the same sessionID replaces
// the previous entry (the old child is simply abandoned, not cancelled).
func (r *CancelRegistry) Register(parent context.Context, sessionID string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	r.cancels[sessionID] = cancel
	r.ctxs[sessionID] = ctx
	r.mu.Unlock()
	return ctx
}

// Cancel cancels sessionID's registered context, if any. Safe to call
// even if no context was ever registered (e.g. a session predating this
// process) or after Release.
func (r *CancelRegistry) Cancel(sessionID string) {
	r.mu.Lock()
	cancel := r.cancels[sessionID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Release forgets sessionID's entry once its pipeline has reached a
// terminal state, so the maps don't grow without bound.
func (r *CancelRegistry) Release(sessionID string) {
	r.mu.Lock()
	delete(r.cancels, sessionID)
	delete(r.ctxs, sessionID)
	r.mu.Unlock()
}

// Context returns sessionID's registered context if one exists, else ctx
// unchanged. Used as a queue.PoolConfig.DeriveContext so every stage
// executor's provider call is automatically scoped to its session.
func (r *CancelRegistry) Context(ctx context.Context, sessionID string) context.Context {
	r.mu.Lock()
	scoped, ok := r.ctxs[sessionID]
	r.mu.Unlock()
	if !ok {
		return ctx
	}
	return scoped
}
