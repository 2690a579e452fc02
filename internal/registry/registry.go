// Package registry maps task type names to their handler functions.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Handler executes one unit of work. It receives the task payload and
// returns a result or an error; it never touches task state.
type Handler func(ctx context.Context, payload map[string]any) (map[string]any, error)

var ErrUnknownTaskType = errors.New("unknown task type")

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

func (r *Registry) Resolve(taskType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	if !ok {
		return nil, ErrUnknownTaskType
	}

	return h, nil
}

// Has reports whether a handler is registered for the type.
func (r *Registry) Has(taskType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[taskType]
	return ok
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)

	return types
}
