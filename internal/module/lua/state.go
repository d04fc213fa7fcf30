package lua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultExecutionTimeout bounds a single call into a state.
const DefaultExecutionTimeout = 5 * time.Second

// State wraps gopher-lua with sandboxing and serialized access.
//
// gopher-lua's LState is not goroutine-safe. Every operation runs under the
// state's mutex via Exec. A call that arrives with a context produced by an
// Exec on the same state (a Go callback invoked from Lua) runs inline
// instead of waiting on the mutex it already holds. That context grants
// inline entry only until its Exec returns, and only to the goroutine
// running the call: callbacks must not hand it to goroutines that call
// back into the state while the call is still in progress.
type State struct {
	L *lua.LState

	mu sync.Mutex

	executionTimeout time.Duration
	capabilities     []Capability
	resolver         Resolver

	sandbox *Sandbox
	closed  bool
}

// execKey marks a context as being inside Exec for a particular state.
type execKey struct{ s *State }

// execToken is the execKey value. It is spent when its Exec returns.
type execToken struct {
	done atomic.Bool
}

// StateOption configures a State.
type StateOption func(*State)

// WithExecutionTimeout sets the execution timeout for Lua calls.
// Zero disables the timeout.
func WithExecutionTimeout(d time.Duration) StateOption {
	return func(s *State) {
		s.executionTimeout = d
	}
}

// WithCapabilities grants capabilities to the sandbox.
func WithCapabilities(caps ...Capability) StateOption {
	return func(s *State) {
		s.capabilities = append(s.capabilities, caps...)
	}
}

// WithResolver sets the resolver consulted by require for non-builtin names.
func WithResolver(r Resolver) StateOption {
	return func(s *State) {
		s.resolver = r
	}
}

// NewState creates a new sandboxed Lua state.
func NewState(opts ...StateOption) (*State, error) {
	state := &State{
		executionTimeout: DefaultExecutionTimeout,
	}

	for _, opt := range opts {
		opt(state)
	}

	// Create Lua state with limited libraries
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // We'll open selectively
	})

	state.L = L

	openSafeLibraries(L)

	state.sandbox = NewSandbox(L, state.resolver)
	for _, c := range state.capabilities {
		state.sandbox.Grant(c)
	}
	state.sandbox.Install()

	return state, nil
}

// openSafeLibraries opens only safe Lua standard libraries.
func openSafeLibraries(L *lua.LState) {
	// Open base library (print, type, pairs, ipairs, etc.)
	openLib(L, lua.BaseLibName, lua.OpenBase)

	openLib(L, lua.TabLibName, lua.OpenTable)
	openLib(L, lua.StringLibName, lua.OpenString)
	openLib(L, lua.MathLibName, lua.OpenMath)
	openLib(L, lua.CoroutineLibName, lua.OpenCoroutine)

	// Not opened here:
	// - io and os (opened on require when the capability is granted)
	// - debug (can bypass sandbox)
	// - package (require is replaced by the sandbox)
}

// openLib opens a single standard library the way gopher-lua's OpenLibs does.
func openLib(L *lua.LState, name string, fn lua.LGFunction) {
	L.Push(L.NewFunction(fn))
	L.Push(lua.LString(name))
	L.Call(1, 0)
}

// Exec runs fn against the Lua state.
//
// The state's context is set for the duration of the call so long-running
// Lua code observes cancellation and the execution timeout. Panics raised
// inside fn are recovered into errors.
func (s *State) Exec(ctx context.Context, fn func(L *lua.LState) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if tok, ok := ctx.Value(execKey{s}).(*execToken); ok && !tok.done.Load() {
		// Nested call from a Lua callback: already holding mu.
		prev := s.L.Context()
		s.L.SetContext(ctx)
		defer func() {
			if prev != nil {
				s.L.SetContext(prev)
			} else {
				s.L.RemoveContext()
			}
		}()
		return s.doWithRecovery(func() error { return fn(s.L) })
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStateClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if s.executionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.executionTimeout)
		defer cancel()
	}
	tok := &execToken{}
	defer tok.done.Store(true)
	ctx = context.WithValue(ctx, execKey{s}, tok)

	s.L.SetContext(ctx)
	defer s.L.RemoveContext()

	err := s.doWithRecovery(func() error { return fn(s.L) })
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrExecutionTimeout, err)
	}
	return err
}

// doWithRecovery executes a function with panic recovery.
func (s *State) doWithRecovery(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return fn()
}

// DoFile executes a Lua file.
func (s *State) DoFile(ctx context.Context, path string) error {
	return s.Exec(ctx, func(L *lua.LState) error {
		return L.DoFile(path)
	})
}

// DoString executes a Lua string.
func (s *State) DoString(ctx context.Context, code string) error {
	return s.Exec(ctx, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// Call calls a Lua function with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) Call(ctx context.Context, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	var results []lua.LValue
	err := s.Exec(ctx, func(L *lua.LState) error {
		var err error
		results, err = CallStack(L, fn, args...)
		return err
	})
	return results, err
}

// CallStack calls fn on L in protected mode and collects every return value.
// The caller must already own L (inside Exec or a Lua callback).
func CallStack(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) ([]lua.LValue, error) {
	// Record stack top before pushing anything
	stackTop := L.GetTop()

	L.Push(fn)
	for _, arg := range args {
		L.Push(arg)
	}

	if err := L.PCall(len(args), lua.MultRet, nil); err != nil {
		return nil, err
	}

	// Collect return values (only the new values added after the call)
	nRet := L.GetTop() - stackTop
	if nRet <= 0 {
		return []lua.LValue{}, nil
	}
	results := make([]lua.LValue, nRet)
	for i := 0; i < nRet; i++ {
		results[i] = L.Get(stackTop + i + 1)
	}
	L.Pop(nRet)

	return results, nil
}

// Sandbox returns the sandbox for capability and require management.
func (s *State) Sandbox() *Sandbox {
	return s.sandbox
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases all resources associated with the Lua state.
// After Close is called, Exec returns ErrStateClosed.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.L.Close()
	s.sandbox.reset()
	s.closed = true
	return nil
}
