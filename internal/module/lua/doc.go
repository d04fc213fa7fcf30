// Package lua provides the Lua runtime that backs a module's isolated
// loading domain.
//
// This package wraps the gopher-lua library to provide:
//   - Sandboxed Lua state management
//   - A pluggable require() resolver
//   - Go-Lua type conversion bridge
//   - Capability-gated standard libraries
//   - Per-call execution timeouts
//
// # State
//
// The State type manages one Lua runtime. All access goes through Exec,
// which serializes callers and lets Lua-to-Go-to-Lua calls on the same
// state re-enter without deadlocking:
//
//	state, err := lua.NewState(
//	    lua.WithExecutionTimeout(5 * time.Second),
//	    lua.WithResolver(resolver),
//	)
//	if err != nil {
//	    return err
//	}
//	defer state.Close()
//
//	if err := state.DoFile(ctx, "init.lua"); err != nil {
//	    return err
//	}
//
// # Sandbox
//
// The Sandbox restricts Lua code execution by:
//   - Removing dofile, loadfile, load and loadstring
//   - Replacing require with a resolver-driven version
//   - Opening io and os only when the matching capability is granted
//
// # Bridge
//
// The Bridge converts values in both directions. Go values that implement
// Exporter build their own Lua view, which is how host services and
// services from other domains cross into a state without sharing Lua
// values between states.
package lua
