package services

import (
	"context"
	"sort"
	"sync"
)

// Lifetime controls how often a factory runs.
type Lifetime int

// Service lifetimes.
const (
	// Singleton values are created once per container.
	Singleton Lifetime = iota
	// Scoped values are created once per scope.
	Scoped
	// Transient values are created on every resolve.
	Transient
)

func (l Lifetime) String() string {
	switch l {
	case Singleton:
		return "singleton"
	case Scoped:
		return "scoped"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// Factory creates a service value. p resolves the factory's own dependencies.
type Factory func(ctx context.Context, p Provider) (any, error)

// Descriptor is one registration.
type Descriptor struct {
	Name     string
	Lifetime Lifetime
	Factory  Factory
	Instance any // Set for AddInstance registrations; never disposed by the container
}

// Collection gathers service registrations. A later registration under the
// same name replaces the earlier one.
type Collection struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewCollection creates an empty collection.
func NewCollection() *Collection {
	return &Collection{descriptors: make(map[string]Descriptor)}
}

// Add registers a descriptor.
func (c *Collection) Add(d Descriptor) *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.descriptors[d.Name] = d
	return c
}

// AddSingleton registers a factory run once per container.
func (c *Collection) AddSingleton(name string, f Factory) *Collection {
	return c.Add(Descriptor{Name: name, Lifetime: Singleton, Factory: f})
}

// AddScoped registers a factory run once per scope.
func (c *Collection) AddScoped(name string, f Factory) *Collection {
	return c.Add(Descriptor{Name: name, Lifetime: Scoped, Factory: f})
}

// AddTransient registers a factory run on every resolve.
func (c *Collection) AddTransient(name string, f Factory) *Collection {
	return c.Add(Descriptor{Name: name, Lifetime: Transient, Factory: f})
}

// AddInstance registers an existing value as a singleton.
func (c *Collection) AddInstance(name string, v any) *Collection {
	return c.Add(Descriptor{Name: name, Lifetime: Singleton, Instance: v})
}

// Lookup returns the descriptor registered under name.
func (c *Collection) Lookup(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.descriptors[name]
	return d, ok
}

// Has reports whether name is registered.
func (c *Collection) Has(name string) bool {
	_, ok := c.Lookup(name)
	return ok
}

// Names returns registered names, sorted.
func (c *Collection) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.descriptors))
	for name := range c.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registrations.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.descriptors)
}

// snapshot copies the registrations so a container is unaffected by later changes.
func (c *Collection) snapshot() map[string]Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Descriptor, len(c.descriptors))
	for k, v := range c.descriptors {
		out[k] = v
	}
	return out
}
