package threadsync

import (
	"context"
	"sync"

	"happysrt/api/internal/localcache"
)

// Holder owns the current state of one owner scope. Every change goes through
// Commit, which applies a read-modify-write against the latest state and
// persists it before the new state becomes visible.
type Holder struct {
	mu    sync.Mutex
	scope string
	cache Cache
	state localcache.State
}

func NewHolder(scope string, cache Cache, initial localcache.State) *Holder {
	return &Holder{scope: scope, cache: cache, state: initial.Clone()}
}

func (h *Holder) Scope() string {
	return h.scope
}

func (h *Holder) Snapshot() localcache.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

// Commit runs mutate on a copy of the latest state. If mutate or the durable
// save fails, the held state is left untouched.
func (h *Holder) Commit(ctx context.Context, mutate func(*localcache.State) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := h.state.Clone()
	if err := mutate(&next); err != nil {
		return err
	}
	if err := h.cache.Save(ctx, h.scope, next); err != nil {
		return err
	}
	h.state = next
	return nil
}
