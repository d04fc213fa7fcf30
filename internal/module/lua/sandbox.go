package lua

import (
	"sort"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Capability represents a permission that can be granted to a module.
type Capability string

// Available capabilities.
const (
	// CapabilityFilesystem opens the io library.
	CapabilityFilesystem Capability = "filesystem"
	// CapabilityOS opens the os library.
	CapabilityOS Capability = "os"
)

// IsValid reports whether c is a known capability.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityFilesystem, CapabilityOS:
		return true
	default:
		return false
	}
}

// Resolver resolves require names that are not builtin libraries.
// A nil value with a nil error means the name is unknown to the resolver.
type Resolver interface {
	Resolve(L *lua.LState, name string) (lua.LValue, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(L *lua.LState, name string) (lua.LValue, error)

// Resolve implements Resolver.
func (f ResolverFunc) Resolve(L *lua.LState, name string) (lua.LValue, error) {
	return f(L, name)
}

// Sandbox restricts Lua execution to safe operations.
type Sandbox struct {
	L *lua.LState

	mu           sync.RWMutex
	capabilities map[Capability]bool

	resolver Resolver

	// loaded caches required values; loading holds names currently being resolved.
	loaded  map[string]lua.LValue
	loading map[string]bool
}

// builtinModules are the always-open libraries returned by require.
var builtinModules = map[string]bool{
	lua.TabLibName:       true,
	lua.StringLibName:    true,
	lua.MathLibName:      true,
	lua.CoroutineLibName: true,
}

// NewSandbox creates a new sandbox for the Lua state.
func NewSandbox(L *lua.LState, resolver Resolver) *Sandbox {
	return &Sandbox{
		L:            L,
		capabilities: make(map[Capability]bool),
		resolver:     resolver,
		loaded:       make(map[string]lua.LValue),
		loading:      make(map[string]bool),
	}
}

// Install sets up the sandbox restrictions.
func (s *Sandbox) Install() {
	// Remove functions that load code outside require
	dangerousFuncs := []string{
		"dofile",
		"loadfile",
		"load",
		"loadstring",
	}

	for _, name := range dangerousFuncs {
		s.L.SetGlobal(name, lua.LNil)
	}

	s.L.SetGlobal("require", s.L.NewFunction(s.require))
}

// require resolves a module name: builtin libraries, capability-gated
// libraries, then the resolver. Results are cached for the life of the state.
func (s *Sandbox) require(L *lua.LState) int {
	name := L.CheckString(1)

	if v, ok := s.loaded[name]; ok {
		L.Push(v)
		return 1
	}

	if builtinModules[name] {
		L.Push(L.GetGlobal(name))
		return 1
	}

	switch name {
	case lua.IoLibName:
		if !s.HasCapability(CapabilityFilesystem) {
			L.RaiseError("module 'io' requires the %s capability", CapabilityFilesystem)
		}
		L.Push(s.open(L, name, lua.OpenIo))
		return 1
	case lua.OsLibName:
		if !s.HasCapability(CapabilityOS) {
			L.RaiseError("module 'os' requires the %s capability", CapabilityOS)
		}
		L.Push(s.open(L, name, lua.OpenOs))
		return 1
	case lua.DebugLibName:
		L.RaiseError("module 'debug' is not available")
	}

	if s.resolver == nil {
		L.RaiseError("%s: %q", ErrModuleNotAvailable, name)
	}
	if s.loading[name] {
		L.RaiseError("%s: %q", ErrCyclicRequire, name)
	}

	s.loading[name] = true
	v, err := s.resolver.Resolve(L, name)
	delete(s.loading, name)
	if err != nil {
		L.RaiseError("require %q: %s", name, err.Error())
	}
	if v == nil {
		L.RaiseError("%s: %q", ErrModuleNotAvailable, name)
	}

	s.loaded[name] = v
	L.Push(v)
	return 1
}

// open opens a gated standard library once and caches the table.
func (s *Sandbox) open(L *lua.LState, name string, fn lua.LGFunction) lua.LValue {
	top := L.GetTop()
	L.Push(L.NewFunction(fn))
	L.Push(lua.LString(name))
	L.Call(1, 1)
	v := L.Get(-1)
	L.SetTop(top)
	s.loaded[name] = v
	return v
}

// Grant adds a capability.
func (s *Sandbox) Grant(c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.capabilities[c] = true
}

// Revoke removes a capability.
func (s *Sandbox) Revoke(c Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.capabilities, c)
}

// HasCapability reports whether the capability is granted.
func (s *Sandbox) HasCapability(c Capability) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capabilities[c]
}

// Capabilities returns the granted capabilities, sorted.
func (s *Sandbox) Capabilities() []Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()

	caps := make([]Capability, 0, len(s.capabilities))
	for c := range s.capabilities {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Loaded returns the names resolved through require so far, sorted.
// Must be called while owning the state.
func (s *Sandbox) Loaded() []string {
	names := make([]string, 0, len(s.loaded))
	for name := range s.loaded {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// reset drops cached values so a closed state holds no references.
func (s *Sandbox) reset() {
	s.loaded = make(map[string]lua.LValue)
	s.loading = make(map[string]bool)
	s.resolver = nil
}
