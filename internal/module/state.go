package module

// State is the lifecycle state of a runtime module.
type State int

// Module states.
const (
	// StateDiscovered - manifest read and accepted, nothing loaded yet.
	StateDiscovered State = iota

	// StateLoaded - code units executed and entry types instantiated.
	StateLoaded

	// StateActive - service graph built and initialization hooks run.
	StateActive

	// StateUnloaded - terminal; the handle and domain were released.
	StateUnloaded

	// StateFailed - a load or activation step failed.
	StateFailed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateLoaded:
		return "loaded"
	case StateActive:
		return "active"
	case StateUnloaded:
		return "unloaded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the module can serve calls.
func (s State) IsUsable() bool {
	return s == StateLoaded || s == StateActive
}

// CanTransition reports whether the state machine allows s -> to.
func (s State) CanTransition(to State) bool {
	switch to {
	case StateLoaded:
		return s == StateDiscovered
	case StateActive:
		return s == StateLoaded
	case StateFailed:
		return s == StateDiscovered || s == StateLoaded
	case StateUnloaded:
		return s != StateUnloaded
	default:
		return false
	}
}
