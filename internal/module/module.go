package module

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dshills/modhost/internal/module/manifest"
	"github.com/dshills/modhost/internal/module/services"
)

// Module is the contract every module entry type implements.
type Module interface {
	// ConfigureServices declares the module's services. It runs during
	// Load, before any service is resolvable.
	ConfigureServices(ctx context.Context, sc *ServiceContext) error

	// OnApplicationInitialization runs during Activate with the composite
	// service graph available.
	OnApplicationInitialization(ctx context.Context, app *Application) error
}

// Shutdowner is implemented by modules that need to release resources
// when they are unloaded while active.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// ServiceContext is passed to ConfigureServices.
type ServiceContext struct {
	ModuleID string
	Manifest *manifest.Manifest
	Services *services.Collection
	Logger   *slog.Logger
}

// MenuItem is a menu or route declaration registered by an active module.
type MenuItem struct {
	ModuleID string
	ID       string
	Title    string
	Route    string
	Group    string
}

// Application is passed to OnApplicationInitialization.
type Application struct {
	ModuleID string
	Services services.Provider
	Logger   *slog.Logger

	mu    sync.Mutex
	menus []MenuItem
}

// AddMenu registers a menu item for the module.
func (a *Application) AddMenu(item MenuItem) {
	item.ModuleID = a.ModuleID
	a.mu.Lock()
	defer a.mu.Unlock()
	a.menus = append(a.menus, item)
}

// Menus returns the items registered so far.
func (a *Application) Menus() []MenuItem {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]MenuItem(nil), a.menus...)
}

// Factory constructs a host-compiled module entry type.
type Factory func() (Module, error)

// Factories maps entry type names to host-compiled constructors.
type Factories struct {
	mu sync.RWMutex
	m  map[string]Factory
}

// NewFactories creates an empty factory registry.
func NewFactories() *Factories {
	return &Factories{m: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (f *Factories) Register(typeName string, fn Factory) error {
	if typeName == "" || fn == nil {
		return fmt.Errorf("factory name and constructor are required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.m[typeName]; ok {
		return fmt.Errorf("factory %q already registered", typeName)
	}
	f.m[typeName] = fn
	return nil
}

// Lookup returns the factory for typeName.
func (f *Factories) Lookup(typeName string) (Factory, bool) {
	if f == nil {
		return nil, false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.m[typeName]
	return fn, ok
}

// Names returns registered type names, sorted.
func (f *Factories) Names() []string {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.m))
	for name := range f.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
