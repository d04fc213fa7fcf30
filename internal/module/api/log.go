package api

import (
	"context"
	"log/slog"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/modhost/internal/module/shared"
)

// LogUnit implements host.log.
type LogUnit struct{}

// NewLogUnit creates the log unit.
func NewLogUnit() *LogUnit {
	return &LogUnit{}
}

// Name returns the unit name.
func (u *LogUnit) Name() string { return "host.log" }

// Version returns the unit version.
func (u *LogUnit) Version() string { return "1.0.0" }

// Export builds the host.log table. Messages go to the domain's logger
// tagged with the module id.
//
//	log.info("started", { items = 3 })
func (u *LogUnit) Export(L *lua.LState, scope shared.Scope) lua.LValue {
	logger := scope.Logger().With("module", scope.ModuleID())
	mod := L.NewTable()

	levels := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for name, level := range levels {
		L.SetField(mod, name, L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			var attrs []any
			if tbl, ok := L.Get(2).(*lua.LTable); ok {
				tbl.ForEach(func(k, v lua.LValue) {
					attrs = append(attrs, k.String(), lvalueToAny(v))
				})
			}
			ctx := L.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			logger.Log(ctx, level, msg, attrs...)
			return 0
		}))
	}

	return mod
}

// lvalueToAny converts simple Lua values for log attributes.
func lvalueToAny(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return v.String()
	}
}
