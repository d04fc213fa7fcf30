// Package app wires configuration, storage, telemetry and the module loader
// into a runnable host.
package app

import (
	"errors"
	"fmt"
)

// Host errors.
var (
	// ErrAlreadyRunning indicates Start was called on a running host.
	ErrAlreadyRunning = errors.New("host already running")

	// ErrNotRunning indicates the host has not been started.
	ErrNotRunning = errors.New("host not running")

	// ErrModuleNotFound indicates no discovered module has the requested id.
	ErrModuleNotFound = errors.New("module not found")
)

// InitError reports which bootstrap step failed.
type InitError struct {
	Component string
	Err       error
}

func (e *InitError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("initialize %s: %v", e.Component, e.Err)
}

func (e *InitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// OperationError represents an error that occurred during a host operation
// on a module or path.
type OperationError struct {
	Op     string // Operation name (e.g., "reload", "unload")
	Target string // Module id or directory
	Err    error
}

// NewOperationError creates a new OperationError.
func NewOperationError(op, target string, err error) *OperationError {
	return &OperationError{Op: op, Target: target, Err: err}
}

func (e *OperationError) Error() string {
	if e == nil {
		return ""
	}

	msg := e.Op
	if e.Target != "" {
		msg = fmt.Sprintf("%s %s", e.Op, e.Target)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
