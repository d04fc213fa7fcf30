package module

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/modhost/internal/discovery"
)

// LazyLoader defers Load and Activate until a module is first requested.
// Concurrent requests for one id share a single in-flight load.
type LazyLoader struct {
	loader *Loader
	group  singleflight.Group

	mu    sync.RWMutex
	known map[string]discovery.Candidate
}

// NewLazyLoader wraps l.
func NewLazyLoader(l *Loader) *LazyLoader {
	return &LazyLoader{loader: l, known: make(map[string]discovery.Candidate)}
}

// Register records where module id lives without loading it.
func (z *LazyLoader) Register(id string, c discovery.Candidate) {
	z.mu.Lock()
	defer z.mu.Unlock()
	z.known[id] = c
}

// Forget drops a registration.
func (z *LazyLoader) Forget(id string) {
	z.mu.Lock()
	defer z.mu.Unlock()
	delete(z.known, id)
}

// Known returns registered ids, sorted.
func (z *LazyLoader) Known() []string {
	z.mu.RLock()
	defer z.mu.RUnlock()
	ids := make([]string, 0, len(z.known))
	for id := range z.known {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns the active handle for id, loading and activating it and its
// declared dependencies on first use. The shared load is not cancelled when
// one caller gives up; each caller stops waiting when its own ctx ends.
func (z *LazyLoader) Get(ctx context.Context, id string) (*RuntimeModuleHandle, error) {
	return z.get(ctx, id, nil)
}

func (z *LazyLoader) get(ctx context.Context, id string, chain []string) (*RuntimeModuleHandle, error) {
	if slices.Contains(chain, id) {
		return nil, fmt.Errorf("%w: %s", ErrCyclicDependency, strings.Join(append(chain, id), " -> "))
	}
	if h, ok := z.loader.Registry().TryGetModuleHandle(id); ok && h.State() == StateActive {
		return h, nil
	}

	z.mu.RLock()
	c, known := z.known[id]
	z.mu.RUnlock()
	if _, loaded := z.loader.Registry().TryGetModule(id); !known && !loaded {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}

	flightCtx := context.WithoutCancel(ctx)
	next := append(slices.Clone(chain), id)
	ch := z.group.DoChan(id, func() (any, error) {
		return z.ensure(flightCtx, id, c, known, next)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*RuntimeModuleHandle), nil
	}
}

func (z *LazyLoader) ensure(ctx context.Context, id string, c discovery.Candidate, known bool, chain []string) (*RuntimeModuleHandle, error) {
	reg := z.loader.Registry()
	if _, loaded := reg.TryGetModule(id); !loaded {
		if !known {
			return nil, fmt.Errorf("%w: %s", ErrUnknownModule, id)
		}
		h, err := z.loader.Load(ctx, c.Path, c.IsSystem)
		if err != nil {
			return nil, err
		}
		if h == nil {
			return nil, fmt.Errorf("load %s: %w", id, ErrRejected)
		}
		if h.Module().ID() != id {
			return nil, fmt.Errorf("load %s: %w: path holds module %q", id, ErrRejected, h.Module().ID())
		}
	}

	rm, ok := reg.TryGetModule(id)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	if !rm.State().IsUsable() {
		if err := rm.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("module %q is %s: %w", id, rm.State(), ErrNotLoaded)
	}
	for _, dep := range rm.Descriptor.DependsOn {
		if _, err := z.get(ctx, dep, chain); err != nil {
			return nil, fmt.Errorf("dependency %s of %s: %w", dep, id, err)
		}
	}

	if err := z.loader.Activate(ctx, id); err != nil {
		return nil, err
	}
	h, ok := reg.TryGetModuleHandle(id)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrNotLoaded)
	}
	return h, nil
}
