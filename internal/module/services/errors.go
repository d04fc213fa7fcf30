package services

import "errors"

var (
	// ErrServiceNotFound is returned when no layer provides a service.
	ErrServiceNotFound = errors.New("service not found")

	// ErrNoScope is returned when a scoped service is resolved outside a scope.
	ErrNoScope = errors.New("scoped service resolved without a scope")

	// ErrCircularDependency is returned when a factory depends on itself.
	ErrCircularDependency = errors.New("circular service dependency")

	// ErrDisposed is returned when resolving from a closed container or scope.
	ErrDisposed = errors.New("service provider disposed")

	// ErrTypeMismatch is returned by Resolve when the value has the wrong type.
	ErrTypeMismatch = errors.New("service has unexpected type")
)
