package module

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/domain"
	plua "github.com/dshills/modhost/internal/module/lua"
	"github.com/dshills/modhost/internal/module/services"
)

// LuaModule is an entry type defined by a code unit through
// require("host.sdk").define(name, def). The definition may provide
// new(def), configure_services(self, services), initialize(self, app) and
// shutdown(self).
type LuaModule struct {
	typeName string
	domain   *domain.Domain
	self     *lua.LTable
}

func newLuaModule(ctx context.Context, d *domain.Domain, typeName string, def *lua.LTable) (*LuaModule, error) {
	m := &LuaModule{typeName: typeName, domain: d}
	err := d.Exec(ctx, func(L *lua.LState) error {
		if fn, ok := plua.NewBridge(L).GetTableFunc(def, "new"); ok {
			results, err := plua.CallStack(L, fn, def)
			if err != nil {
				return err
			}
			if len(results) > 0 {
				if t, ok := results[0].(*lua.LTable); ok {
					m.self = t
					return nil
				}
			}
			return fmt.Errorf("%s.new must return a table", typeName)
		}

		self := L.NewTable()
		mt := L.NewTable()
		L.SetField(mt, "__index", def)
		L.SetMetatable(self, mt)
		m.self = self
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", typeName, err)
	}
	return m, nil
}

// TypeName returns the entry type name.
func (m *LuaModule) TypeName() string { return m.typeName }

// ConfigureServices calls configure_services(self, services).
func (m *LuaModule) ConfigureServices(ctx context.Context, sc *ServiceContext) error {
	return m.call(ctx, "configure_services", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{m.collectionTable(L, sc.Services)}
	})
}

// OnApplicationInitialization calls initialize(self, app).
func (m *LuaModule) OnApplicationInitialization(ctx context.Context, app *Application) error {
	return m.call(ctx, "initialize", func(L *lua.LState) []lua.LValue {
		return []lua.LValue{applicationTable(L, app)}
	})
}

// Shutdown calls shutdown(self).
func (m *LuaModule) Shutdown(ctx context.Context) error {
	return m.call(ctx, "shutdown", nil)
}

// call runs hook if the instance defines it.
func (m *LuaModule) call(ctx context.Context, hook string, args func(L *lua.LState) []lua.LValue) error {
	return m.domain.Exec(ctx, func(L *lua.LState) error {
		fn, ok := plua.NewBridge(L).GetTableFunc(m.self, hook)
		if !ok {
			return nil
		}
		callArgs := []lua.LValue{m.self}
		if args != nil {
			callArgs = append(callArgs, args(L)...)
		}
		if _, err := plua.CallStack(L, fn, callArgs...); err != nil {
			return fmt.Errorf("%s:%s: %w", m.typeName, hook, err)
		}
		return nil
	})
}

// collectionTable exposes add_singleton / add_scoped / add_transient /
// add_instance over c.
func (m *LuaModule) collectionTable(L *lua.LState, c *services.Collection) *lua.LTable {
	t := L.NewTable()

	add := func(lifetime services.Lifetime) lua.LGFunction {
		return func(L *lua.LState) int {
			base := argBase(L, t)
			name := L.CheckString(base)
			fn := L.CheckFunction(base + 1)
			c.Add(services.Descriptor{Name: name, Lifetime: lifetime, Factory: m.factory(name, fn)})
			return 0
		}
	}
	L.SetField(t, "add_singleton", L.NewFunction(add(services.Singleton)))
	L.SetField(t, "add_scoped", L.NewFunction(add(services.Scoped)))
	L.SetField(t, "add_transient", L.NewFunction(add(services.Transient)))

	L.SetField(t, "add_instance", L.NewFunction(func(L *lua.LState) int {
		base := argBase(L, t)
		name := L.CheckString(base)
		v := L.CheckAny(base + 1)
		if v == lua.LNil {
			L.ArgError(base+1, "instance must not be nil")
		}
		c.AddInstance(name, fromLua(L, m.domain, name, v))
		return 0
	}))

	L.SetField(t, "has", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(c.Has(L.CheckString(argBase(L, t)))))
		return 1
	}))
	return t
}

// factory adapts a Lua constructor to a services.Factory. The constructor
// runs in the owning domain and receives a provider table.
func (m *LuaModule) factory(name string, fn *lua.LFunction) services.Factory {
	d := m.domain
	return func(ctx context.Context, p services.Provider) (any, error) {
		var out any
		err := d.Exec(ctx, func(L *lua.LState) error {
			results, err := plua.CallStack(L, fn, providerTable(L, p))
			if err != nil {
				return err
			}
			if len(results) == 0 || results[0] == lua.LNil {
				return fmt.Errorf("factory for %s returned nil", name)
			}
			out = fromLua(L, d, name, results[0])
			return nil
		})
		return out, err
	}
}

// providerTable exposes resolve / try_resolve / has over p. Calls carry the
// state's current context so nested resolution inside the domain runs inline.
func providerTable(L *lua.LState, p services.Provider) *lua.LTable {
	t := L.NewTable()

	L.SetField(t, "resolve", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(argBase(L, t))
		v, err := p.Resolve(L.Context(), name)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(plua.NewBridge(L).ToLuaValue(v))
		return 1
	}))

	L.SetField(t, "try_resolve", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(argBase(L, t))
		v, err := p.Resolve(L.Context(), name)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(plua.NewBridge(L).ToLuaValue(v))
		return 1
	}))

	L.SetField(t, "has", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(p.Has(L.CheckString(argBase(L, t)))))
		return 1
	}))
	return t
}

func applicationTable(L *lua.LState, app *Application) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "module_id", lua.LString(app.ModuleID))
	L.SetField(t, "services", providerTable(L, app.Services))

	L.SetField(t, "add_menu", L.NewFunction(func(L *lua.LState) int {
		item := L.CheckTable(argBase(L, t))
		b := plua.NewBridge(L)
		id, _ := b.GetTableString(item, "id")
		title, _ := b.GetTableString(item, "title")
		if id == "" || title == "" {
			L.ArgError(argBase(L, t), "menu id and title are required")
			return 0
		}
		route, _ := b.GetTableString(item, "route")
		group, _ := b.GetTableString(item, "group")
		app.AddMenu(MenuItem{ID: id, Title: title, Route: route, Group: group})
		return 0
	}))
	return t
}

// argBase returns the index of the first real argument, skipping self when a
// table function is called with colon syntax.
func argBase(L *lua.LState, self *lua.LTable) int {
	if L.GetTop() > 0 && L.Get(1) == self {
		return 2
	}
	return 1
}

// fromLua converts a value produced in d. Tables with functions become
// LuaServices so no Lua value escapes its state.
func fromLua(L *lua.LState, d *domain.Domain, name string, v lua.LValue) any {
	if t, ok := v.(*lua.LTable); ok && hasFunctions(t) {
		return &LuaService{name: name, domain: d, table: t}
	}
	return plua.NewBridge(L).ToGoValue(v)
}

// hasFunctions reports whether t, or a table on its __index chain, holds a
// function.
func hasFunctions(t *lua.LTable) bool {
	seen := make(map[*lua.LTable]bool)
	for t != nil && !seen[t] {
		seen[t] = true
		found := false
		t.ForEach(func(_, v lua.LValue) {
			if v.Type() == lua.LTFunction {
				found = true
			}
		})
		if found {
			return true
		}
		var next *lua.LTable
		if mt, ok := t.Metatable.(*lua.LTable); ok {
			next, _ = mt.RawGetString("__index").(*lua.LTable)
		}
		t = next
	}
	return false
}
