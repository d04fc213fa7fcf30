package module

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the in-memory directory of loaded modules and their handles.
// Only the Loader mutates it.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*RuntimeModule
	handles map[string]*RuntimeModuleHandle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*RuntimeModule),
		handles: make(map[string]*RuntimeModuleHandle),
	}
}

// TryGetModule returns the runtime module for id.
func (r *Registry) TryGetModule(id string) (*RuntimeModule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	return m, ok
}

// TryGetModuleHandle returns the live handle for id.
func (r *Registry) TryGetModuleHandle(id string) (*RuntimeModuleHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[id]
	return h, ok
}

// RegisterModule adds m. An id maps to at most one module.
func (r *Registry) RegisterModule(m *RuntimeModule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.modules[m.ID()]; ok && existing != m {
		return fmt.Errorf("module %q: %w", m.ID(), ErrAlreadyLoaded)
	}
	r.modules[m.ID()] = m
	return nil
}

// RegisterModuleHandle adds h. Its module must already be registered.
func (r *Registry) RegisterModuleHandle(h *RuntimeModuleHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := h.Module().ID()
	if r.modules[id] != h.Module() {
		return fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	if existing, ok := r.handles[id]; ok && existing != h {
		return fmt.Errorf("module %q: %w", id, ErrAlreadyLoaded)
	}
	r.handles[id] = h
	return nil
}

// register adds a module and its handle atomically.
func (r *Registry) register(h *RuntimeModuleHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := h.Module().ID()
	if _, ok := r.modules[id]; ok {
		return fmt.Errorf("module %q: %w", id, ErrAlreadyLoaded)
	}
	r.modules[id] = h.Module()
	r.handles[id] = h
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.modules, id)
	delete(r.handles, id)
}

// Modules returns a snapshot of module descriptors, sorted by id.
func (r *Registry) Modules() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RuntimeModules returns a snapshot of runtime modules, sorted by id.
func (r *Registry) RuntimeModules() []*RuntimeModule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RuntimeModule, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Handles returns a snapshot of live handles, sorted by module id.
func (r *Registry) Handles() []*RuntimeModuleHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*RuntimeModuleHandle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module().ID() < out[j].Module().ID() })
	return out
}

// Menus returns the menu items of every active module, ordered by module id.
func (r *Registry) Menus() []MenuItem {
	var out []MenuItem
	for _, h := range r.Handles() {
		if h.State() == StateActive {
			out = append(out, h.Menus()...)
		}
	}
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}
