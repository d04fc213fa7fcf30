package services

import (
	"context"
	"sync"
)

type scopeKey struct {
	owner *Container
	name  string
}

// Scope holds scoped instances for one use of a composite.
type Scope struct {
	composite *Composite

	mu        sync.Mutex
	instances map[scopeKey]*cell

	disposer
}

// Has implements Provider.
func (s *Scope) Has(name string) bool {
	return s.composite.Has(name)
}

// Resolve implements Provider.
func (s *Scope) Resolve(ctx context.Context, name string) (any, error) {
	if s.isClosed() {
		return nil, ErrDisposed
	}
	return s.composite.resolve(ctx, name, s, s)
}

func (s *Scope) scoped(ctx context.Context, owner *Container, d Descriptor) (any, error) {
	ctx, err := enter(ctx, owner, d.Name)
	if err != nil {
		return nil, err
	}

	key := scopeKey{owner: owner, name: d.Name}
	s.mu.Lock()
	cl, ok := s.instances[key]
	if !ok {
		cl = &cell{}
		s.instances[key] = cl
	}
	s.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.done {
		return cl.v, nil
	}
	v, err := callFactory(ctx, d, s)
	if err != nil {
		return nil, err
	}
	cl.v, cl.done = v, true
	s.track(v)
	return v, nil
}

// Close disposes the scope's scoped and transient values.
func (s *Scope) Close() error {
	return s.close()
}
