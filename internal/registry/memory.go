package registry

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryRegistry is an in-memory Registry. Handler sets are usually fixed at
// startup, but registration is still guarded for tests and hot extension.
type MemoryRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{handlers: make(map[string]Handler)}
}

func (r *MemoryRegistry) Register(nodeType string, h Handler) error {
	if nodeType == "" {
		return fmt.Errorf("register handler: empty node type")
	}
	if h == nil {
		return fmt.Errorf("register handler %q: nil handler", nodeType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handlers[nodeType]; ok {
		return fmt.Errorf("register handler %q: %w", nodeType, ErrHandlerExists)
	}
	r.handlers[nodeType] = h
	return nil
}

func (r *MemoryRegistry) Resolve(nodeType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", nodeType, ErrHandlerNotFound)
	}
	return h, nil
}

func (r *MemoryRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *MemoryRegistry) Handles(nodeType string) (inputs, outputs []string, err error) {
	h, err := r.Resolve(nodeType)
	if err != nil {
		return nil, nil, err
	}
	return h.InputHandles(), h.OutputHandles(), nil
}

// Verify interface compliance
var _ Registry = (*MemoryRegistry)(nil)
