package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Container materializes a Collection and owns what it creates.
type Container struct {
	descriptors map[string]Descriptor

	// root resolves singleton dependencies; the container itself unless a
	// Composite adopts it.
	root Provider

	mu         sync.Mutex
	singletons map[string]*cell

	disposer
}

// NewContainer builds a container from a snapshot of c.
func NewContainer(c *Collection) *Container {
	if c == nil {
		c = NewCollection()
	}
	ct := &Container{
		descriptors: c.snapshot(),
		singletons:  make(map[string]*cell),
	}
	ct.root = ct
	return ct
}

// Has implements Provider.
func (c *Container) Has(name string) bool {
	_, ok := c.descriptors[name]
	return ok
}

// Names returns the names this container provides.
func (c *Container) Names() []string {
	names := make([]string, 0, len(c.descriptors))
	for name := range c.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve implements Provider. Scoped services need a scope.
func (c *Container) Resolve(ctx context.Context, name string) (any, error) {
	v, ok, err := c.resolveIn(ctx, name, c.root, nil)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	return v, nil
}

// resolveIn resolves name if this container provides it. via resolves
// dependencies of scoped and transient factories; s is the active scope.
func (c *Container) resolveIn(ctx context.Context, name string, via Provider, s *Scope) (any, bool, error) {
	d, ok := c.descriptors[name]
	if !ok {
		return nil, false, nil
	}
	if c.isClosed() {
		return nil, true, ErrDisposed
	}
	if d.Instance != nil {
		return d.Instance, true, nil
	}
	if d.Factory == nil {
		return nil, true, fmt.Errorf("service %s has no factory", name)
	}

	switch d.Lifetime {
	case Singleton:
		v, err := c.singleton(ctx, d)
		return v, true, err

	case Scoped:
		if s == nil {
			return nil, true, fmt.Errorf("%w: %s", ErrNoScope, name)
		}
		v, err := s.scoped(ctx, c, d)
		return v, true, err

	default:
		v, err := c.create(ctx, d, via)
		if err != nil {
			return nil, true, err
		}
		if s != nil {
			s.track(v)
		} else {
			c.track(v)
		}
		return v, true, nil
	}
}

func (c *Container) singleton(ctx context.Context, d Descriptor) (any, error) {
	ctx, err := enter(ctx, c, d.Name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	cl, ok := c.singletons[d.Name]
	if !ok {
		cl = &cell{}
		c.singletons[d.Name] = cl
	}
	c.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.done {
		return cl.v, nil
	}

	v, err := callFactory(ctx, d, c.root)
	if err != nil {
		return nil, err
	}
	cl.v, cl.done = v, true
	c.track(v)
	return v, nil
}

func (c *Container) create(ctx context.Context, d Descriptor, via Provider) (any, error) {
	ctx, err := enter(ctx, c, d.Name)
	if err != nil {
		return nil, err
	}
	return callFactory(ctx, d, via)
}

func callFactory(ctx context.Context, d Descriptor, p Provider) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("service %s factory panicked: %v", d.Name, r)
		}
	}()
	v, err = d.Factory(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("create service %s: %w", d.Name, err)
	}
	return v, nil
}

// Close disposes created io.Closer values in reverse creation order.
func (c *Container) Close() error {
	return c.close()
}
