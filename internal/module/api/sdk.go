package api

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/shared"
)

// SDKVersion is the version of the host.sdk unit.
const SDKVersion = "1.0.0"

// SDKUnit implements host.sdk, through which code units declare entry types.
type SDKUnit struct {
	hostName    string
	hostVersion string
}

// NewSDKUnit creates the SDK unit.
func NewSDKUnit(hostName, hostVersion string) *SDKUnit {
	return &SDKUnit{hostName: hostName, hostVersion: hostVersion}
}

// Name returns the unit name.
func (u *SDKUnit) Name() string { return "host.sdk" }

// Version returns the unit version.
func (u *SDKUnit) Version() string { return SDKVersion }

// Export builds the host.sdk table for one domain.
func (u *SDKUnit) Export(L *lua.LState, scope shared.Scope) lua.LValue {
	mod := L.NewTable()

	L.SetField(mod, "define", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		def := L.CheckTable(2)
		if err := scope.DefineType(name, def); err != nil {
			L.RaiseError("define %s: %s", name, err.Error())
		}
		L.Push(def)
		return 1
	}))

	L.SetField(mod, "version", lua.LString(SDKVersion))
	L.SetField(mod, "host", lua.LString(u.hostName))
	L.SetField(mod, "host_version", lua.LString(u.hostVersion))
	L.SetField(mod, "module_id", lua.LString(scope.ModuleID()))

	return mod
}
