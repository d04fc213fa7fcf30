package lua

import "errors"

// Errors for Lua state operations.
var (
	// ErrStateClosed is returned when operating on a closed state.
	ErrStateClosed = errors.New("lua state is closed")

	// ErrExecutionTimeout is returned when execution times out.
	ErrExecutionTimeout = errors.New("lua execution timeout")

	// ErrModuleNotAvailable is returned by require for names nothing can resolve.
	ErrModuleNotAvailable = errors.New("lua module is not available")

	// ErrCyclicRequire is returned when a code unit requires itself through a chain.
	ErrCyclicRequire = errors.New("cyclic require")
)
