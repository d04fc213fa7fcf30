package services

import (
	"context"
	"fmt"
)

// Composite resolves from the module container first, then dependency
// containers, then the host.
type Composite struct {
	layers []Provider
}

// NewComposite chains providers. The module container adopts the composite
// as the provider its singleton factories resolve dependencies through.
func NewComposite(module *Container, host Provider, deps ...Provider) *Composite {
	cp := &Composite{}
	if module != nil {
		module.root = cp
		cp.layers = append(cp.layers, module)
	}
	for _, d := range deps {
		if d != nil {
			cp.layers = append(cp.layers, d)
		}
	}
	if host != nil {
		cp.layers = append(cp.layers, host)
	}
	return cp
}

// Has implements Provider.
func (cp *Composite) Has(name string) bool {
	for _, l := range cp.layers {
		if l.Has(name) {
			return true
		}
	}
	return false
}

// Resolve implements Provider. Scoped services need CreateScope.
func (cp *Composite) Resolve(ctx context.Context, name string) (any, error) {
	return cp.resolve(ctx, name, cp, nil)
}

func (cp *Composite) resolve(ctx context.Context, name string, via Provider, s *Scope) (any, error) {
	for _, l := range cp.layers {
		switch p := l.(type) {
		case *Container:
			v, ok, err := p.resolveIn(ctx, name, via, s)
			if ok {
				return v, err
			}
		case *Composite:
			if p.Has(name) {
				return p.resolve(ctx, name, via, s)
			}
		default:
			if p.Has(name) {
				return p.Resolve(ctx, name)
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
}

// CreateScope starts a per-use scope.
func (cp *Composite) CreateScope() *Scope {
	return &Scope{composite: cp, instances: make(map[scopeKey]*cell)}
}
