package module

import (
	"context"
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/domain"
	plua "github.com/dshills/modhost/internal/module/lua"
)

// LuaService is a service implemented by a Lua table in one module's
// domain. Methods run inside the owning domain; other domains see a proxy
// table whose functions call back through Invoke.
type LuaService struct {
	name   string
	domain *domain.Domain
	table  *lua.LTable
}

// Name returns the service name it was registered under.
func (s *LuaService) Name() string { return s.name }

// ModuleID returns the owning module id.
func (s *LuaService) ModuleID() string { return s.domain.ModuleID() }

// Methods returns the names of the table's functions.
func (s *LuaService) Methods(ctx context.Context) ([]string, error) {
	var names []string
	err := s.domain.Exec(ctx, func(L *lua.LState) error {
		s.table.ForEach(func(k, v lua.LValue) {
			if v.Type() == lua.LTFunction {
				if name, ok := k.(lua.LString); ok {
					names = append(names, string(name))
				}
			}
		})
		return nil
	})
	sort.Strings(names)
	return names, err
}

// Invoke calls a method with colon semantics (the table is passed as self).
func (s *LuaService) Invoke(ctx context.Context, method string, args ...any) ([]any, error) {
	var out []any
	err := s.domain.Exec(ctx, func(L *lua.LState) error {
		b := plua.NewBridge(L)
		fn, ok := b.GetTableFunc(s.table, method)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrNoSuchMethod, s.name, method)
		}

		callArgs := make([]lua.LValue, 0, len(args)+1)
		callArgs = append(callArgs, s.table)
		for _, a := range args {
			callArgs = append(callArgs, b.ToLuaValue(a))
		}

		results, err := plua.CallStack(L, fn, callArgs...)
		if err != nil {
			return fmt.Errorf("invoke %s.%s: %w", s.name, method, err)
		}
		out = make([]any, len(results))
		for i, r := range results {
			out[i] = fromLua(L, s.domain, s.name, r)
		}
		return nil
	})
	return out, err
}

// ExportLua implements plua.Exporter. The owning state gets the table
// itself; any other state gets a proxy.
func (s *LuaService) ExportLua(L *lua.LState) lua.LValue {
	if st, err := s.domain.State(); err == nil && st.L == L {
		return s.table
	}

	proxy := L.NewTable()
	mt := L.NewTable()
	L.SetField(mt, "__index", L.NewFunction(func(L *lua.LState) int {
		method := L.CheckString(2)
		L.Push(L.NewFunction(func(L *lua.LState) int {
			from := 1
			if L.GetTop() > 0 && L.Get(1) == proxy {
				from = 2
			}
			b := plua.NewBridge(L)
			results, err := s.Invoke(L.Context(), method, b.ArgsToGo(from)...)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			return b.PushAll(results)
		}))
		return 1
	}))
	L.SetField(mt, "__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString("service " + s.name + " (" + s.ModuleID() + ")"))
		return 1
	}))
	L.SetMetatable(proxy, mt)
	return proxy
}

var _ plua.Exporter = (*LuaService)(nil)
