package api

import (
	"fmt"
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/shared"
)

// Unit is a host code unit that can be exported into module domains.
type Unit interface {
	// Name returns the require name (e.g., "host.sdk").
	Name() string

	// Version returns the unit's semantic version.
	Version() string

	// Export builds the Lua view of the unit for one domain.
	Export(L *lua.LState, scope shared.Scope) lua.LValue
}

// Registry manages host units.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewRegistry creates a new unit registry.
func NewRegistry() *Registry {
	return &Registry{
		units: make(map[string]Unit),
	}
}

// Register adds a unit to the registry.
func (r *Registry) Register(u Unit) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[u.Name()]; exists {
		return fmt.Errorf("unit %q already registered", u.Name())
	}

	r.units[u.Name()] = u
	return nil
}

// Get returns a unit by name.
func (r *Registry) Get(name string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[name]
	return u, ok
}

// List returns all registered unit names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddTo adds every unit to a shared registry builder.
func (r *Registry) AddTo(b *shared.Builder) *shared.Builder {
	for _, name := range r.List() {
		u, _ := r.Get(name)
		b.AddHostUnit(shared.Unit{
			Identity: shared.Identity{Name: u.Name(), Version: u.Version()},
			Instance: u,
			Export:   u.Export,
		})
	}
	return b
}

// Context carries the host facts and services units expose.
type Context struct {
	HostName    string
	HostVersion string
	Notifier    *Notifier
}

// DefaultRegistry creates a registry with the standard host units.
func DefaultRegistry(ctx *Context) (*Registry, error) {
	if ctx.Notifier == nil {
		ctx.Notifier = NewNotifier(0)
	}

	r := NewRegistry()
	units := []Unit{
		NewSDKUnit(ctx.HostName, ctx.HostVersion),
		NewLogUnit(),
		NewNotifyUnit(ctx.Notifier),
	}

	for _, u := range units {
		if err := r.Register(u); err != nil {
			return nil, fmt.Errorf("failed to register unit %q: %w", u.Name(), err)
		}
	}

	return r, nil
}
