package module

import (
	"errors"
	"fmt"
)

// Module runtime errors.
var (
	// ErrAlreadyLoaded is returned when a module id is already in the registry.
	ErrAlreadyLoaded = errors.New("module is already loaded")

	// ErrNotLoaded is returned when a module id is not in the registry.
	ErrNotLoaded = errors.New("module is not loaded")

	// ErrInvalidTransition is returned for a lifecycle transition the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid module state transition")

	// ErrRejected is returned when a manifest fails validation where a
	// result is required, such as during reload.
	ErrRejected = errors.New("module manifest rejected")

	// ErrCyclicDependency is returned when dependsOn declarations form a cycle.
	ErrCyclicDependency = errors.New("cyclic module dependency")

	// ErrMissingDependency is returned when a declared dependency is not
	// loaded or has failed.
	ErrMissingDependency = errors.New("module dependency not available")

	// ErrDependencyNotActive is returned when activating before a declared
	// dependency is active.
	ErrDependencyNotActive = errors.New("module dependency is not active")

	// ErrEntryTypeNotFound is returned when a declared entry type has no
	// definition in the domain and no host factory.
	ErrEntryTypeNotFound = errors.New("entry type not found")

	// ErrNoEntryType is returned when a module defines no entry types.
	ErrNoEntryType = errors.New("module defines no entry types")

	// ErrNotActive is returned when a handle's services are requested
	// before activation or after release.
	ErrNotActive = errors.New("module is not active")

	// ErrNoSuchMethod is returned when invoking a method a Lua service
	// does not define.
	ErrNoSuchMethod = errors.New("service method not found")

	// ErrUnknownModule is returned by the lazy loader for ids it was never
	// told about.
	ErrUnknownModule = errors.New("unknown module")

	// ErrNoRecords is returned by operations that need installed-module
	// records when none are configured.
	ErrNoRecords = errors.New("no module records configured")
)

// LoadError is a fatal load or activation failure for one module.
type LoadError struct {
	ID   string // Empty when the manifest could not be read
	Path string
	Op   string // "load" or "activate"
	Err  error
}

func (e *LoadError) Error() string {
	id := e.ID
	if id == "" {
		id = e.Path
	}
	return fmt.Sprintf("%s module %s: %v", e.Op, id, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
