package module

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/modhost/internal/module/domain"
	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
)

// Descriptor is the validated projection of a manifest.
type Descriptor struct {
	ID             string
	Version        string
	DisplayName    string
	Description    string
	SupportedHosts []string
	DependsOn      []string
}

func newDescriptor(m *manifest.Manifest) Descriptor {
	return Descriptor{
		ID:             m.ID,
		Version:        m.Version,
		DisplayName:    m.DisplayName,
		Description:    m.Description,
		SupportedHosts: append([]string(nil), m.SupportedHosts...),
		DependsOn:      append([]string(nil), m.DependsOn...),
	}
}

// RuntimeModule is one loaded module. Its state changes only through the
// loader's transitions.
type RuntimeModule struct {
	Descriptor Descriptor
	Manifest   *manifest.Manifest
	Root       string
	IsSystem   bool

	domain *domain.Domain

	mu    sync.RWMutex
	state State
	err   error
}

func newRuntimeModule(m *manifest.Manifest, root string, isSystem bool) *RuntimeModule {
	return &RuntimeModule{
		Descriptor: newDescriptor(m),
		Manifest:   m,
		Root:       root,
		IsSystem:   isSystem,
		state:      StateDiscovered,
	}
}

// ID returns the module id.
func (m *RuntimeModule) ID() string { return m.Descriptor.ID }

// Domain returns the module's loading domain, nil before Loaded.
func (m *RuntimeModule) Domain() *domain.Domain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domain
}

// State returns the current state.
func (m *RuntimeModule) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Err returns the error that moved the module to Failed.
func (m *RuntimeModule) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.err
}

func (m *RuntimeModule) setDomain(d *domain.Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domain = d
}

func (m *RuntimeModule) transition(to State, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanTransition(to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, m.ID(), m.state, to)
	}
	m.state = to
	if to == StateFailed {
		m.err = cause
	}
	return nil
}

// RuntimeModuleHandle is a RuntimeModule plus what it owns while live.
// A handle is never reused: reload produces a new one.
type RuntimeModuleHandle struct {
	id     string
	module *RuntimeModule

	mu         sync.RWMutex
	collection *services.Collection
	container  *services.Container
	composite  *services.Composite
	instances  []Module
	menus      []MenuItem
	units      []domain.LoadedUnit
	released   bool
}

func newHandle(rm *RuntimeModule, instances []Module, collection *services.Collection) *RuntimeModuleHandle {
	return &RuntimeModuleHandle{
		id:         uuid.NewString(),
		module:     rm,
		collection: collection,
		instances:  instances,
		units:      rm.Domain().LoadedUnits(),
	}
}

// ID returns the handle instance id, unique per load.
func (h *RuntimeModuleHandle) ID() string { return h.id }

// Module returns the runtime module.
func (h *RuntimeModuleHandle) Module() *RuntimeModule { return h.module }

// Descriptor returns the module descriptor.
func (h *RuntimeModuleHandle) Descriptor() Descriptor { return h.module.Descriptor }

// State returns the module state.
func (h *RuntimeModuleHandle) State() State { return h.module.State() }

// Services returns the composite graph. It is only available while the
// module is active.
func (h *RuntimeModuleHandle) Services() (*services.Composite, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released || h.composite == nil || h.module.State() != StateActive {
		return nil, fmt.Errorf("%w: %s", ErrNotActive, h.module.ID())
	}
	return h.composite, nil
}

// CreateScope starts a per-use scope over the composite graph.
func (h *RuntimeModuleHandle) CreateScope() (*services.Scope, error) {
	cp, err := h.Services()
	if err != nil {
		return nil, err
	}
	return cp.CreateScope(), nil
}

// Instances returns the module entry objects.
func (h *RuntimeModuleHandle) Instances() []Module {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Module(nil), h.instances...)
}

// Menus returns the menu items registered during activation.
func (h *RuntimeModuleHandle) Menus() []MenuItem {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]MenuItem(nil), h.menus...)
}

// CodeUnits returns the code units the module loaded.
func (h *RuntimeModuleHandle) CodeUnits() []domain.LoadedUnit {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]domain.LoadedUnit(nil), h.units...)
}

// Released reports whether the handle was released by unload.
func (h *RuntimeModuleHandle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

func (h *RuntimeModuleHandle) serviceCollection() *services.Collection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.collection
}

func (h *RuntimeModuleHandle) moduleContainer() *services.Container {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.container
}

func (h *RuntimeModuleHandle) activate(c *services.Container, cp *services.Composite, menus []MenuItem) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.container = c
	h.composite = cp
	h.menus = menus
	if d := h.module.Domain(); d != nil {
		h.units = d.LoadedUnits()
	}
}

// release drops every strong reference the handle holds and returns the
// container to dispose.
func (h *RuntimeModuleHandle) release() *services.Container {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.container
	h.container = nil
	h.composite = nil
	h.collection = nil
	h.instances = nil
	h.released = true
	return c
}
