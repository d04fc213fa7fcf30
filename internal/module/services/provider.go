package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Provider resolves services by name.
type Provider interface {
	Resolve(ctx context.Context, name string) (any, error)
	Has(name string) bool
}

// Resolve resolves name from p and asserts its type.
func Resolve[T any](ctx context.Context, p Provider, name string) (T, error) {
	var zero T
	v, err := p.Resolve(ctx, name)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is %T, want %T", ErrTypeMismatch, name, v, zero)
	}
	return t, nil
}

// TryResolve is Resolve for callers that can continue without the service.
func TryResolve[T any](ctx context.Context, p Provider, name string) (T, bool) {
	v, err := Resolve[T](ctx, p, name)
	return v, err == nil
}

// resolvingKey carries the chain of services being constructed.
type resolvingKey struct{}

type resolving struct {
	owner *Container
	name  string
}

func enter(ctx context.Context, c *Container, name string) (context.Context, error) {
	chain, _ := ctx.Value(resolvingKey{}).([]resolving)
	for _, r := range chain {
		if r.owner == c && r.name == name {
			names := make([]string, 0, len(chain)+1)
			for _, r := range chain {
				names = append(names, r.name)
			}
			names = append(names, name)
			return ctx, fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(names, " -> "))
		}
	}
	next := make([]resolving, len(chain), len(chain)+1)
	copy(next, chain)
	next = append(next, resolving{owner: c, name: name})
	return context.WithValue(ctx, resolvingKey{}, next), nil
}

// cell holds one lazily created value.
type cell struct {
	mu   sync.Mutex
	done bool
	v    any
}

// disposer closes io.Closer values in reverse creation order.
type disposer struct {
	mu      sync.Mutex
	closers []io.Closer
	closed  bool
}

func (d *disposer) track(v any) {
	c, ok := v.(io.Closer)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closers = append(d.closers, c)
}

func (d *disposer) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *disposer) close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	closers := d.closers
	d.closers = nil
	d.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
