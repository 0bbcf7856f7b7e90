package engine

import (
	"sync"

	"github.com/flammafex/hypertoken/internal/hterr"
)

// Handler executes one action against the engine. Handlers mutate state
// only through the chronicle and must be registered identically on every
// replica.
type Handler func(e *Engine, payload map[string]any) (any, error)

// Registry maps namespaced action names (domain:verb) to handlers. The
// built-in action set is registered at engine construction; the registry
// owns the open extension space beyond it.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an action type, replacing any previous
// binding.
func (r *Registry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

// Unregister removes a binding.
func (r *Registry) Unregister(actionType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, actionType)
}

// Resolve looks up a handler.
func (r *Registry) Resolve(actionType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	if !ok {
		return nil, hterr.Newf(hterr.KindUnknownAction, "no handler for %q", actionType)
	}
	return h, nil
}

// Types returns the registered action names.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
