package lua

import (
	"math"
	"reflect"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// Exporter is implemented by Go values that build their own Lua view.
// ExportLua is called once per conversion, inside the target state.
type Exporter interface {
	ExportLua(L *lua.LState) lua.LValue
}

// Bridge converts values between Go and one Lua state. Values never carry
// Lua tables across states: a table coming out of Lua becomes plain Go data.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a new Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToGoValue converts a Lua value to a Go value. Integral numbers become
// int64; sequences become []any and other tables map[string]any. A table
// reached a second time converts to nil. Functions have no Go form.
func (b *Bridge) ToGoValue(lv lua.LValue) any {
	return b.toGo(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGo(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case nil, *lua.LNilType, *lua.LFunction:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<63 {
			return int64(f)
		}
		return f
	case *lua.LUserData:
		return v.Value
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		if n, ok := sequenceLen(v); ok {
			out := make([]any, n)
			for i := range out {
				out[i] = b.toGo(v.RawGetInt(i+1), seen)
			}
			return out
		}
		out := make(map[string]any)
		v.ForEach(func(k, item lua.LValue) {
			out[tableKey(k)] = b.toGo(item, seen)
		})
		return out
	default:
		return nil
	}
}

// sequenceLen reports whether t holds exactly the keys 1..n.
func sequenceLen(t *lua.LTable) (int, bool) {
	count, maxN := 0, 0
	dense := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		n, ok := k.(lua.LNumber)
		if !ok || n < 1 || float64(n) != math.Trunc(float64(n)) {
			dense = false
			return
		}
		maxN = max(maxN, int(n))
	})
	return maxN, dense && maxN > 0 && count == maxN
}

func tableKey(k lua.LValue) string {
	if n, ok := k.(lua.LNumber); ok {
		return strconv.FormatFloat(float64(n), 'g', -1, 64)
	}
	return k.String()
}

// ToLuaValue converts a Go value to a Lua value. Exporters build their own
// view; pointers and other opaque values travel as userdata so passing them
// back to Go yields the original object.
func (b *Bridge) ToLuaValue(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case Exporter:
		return val.ExportLua(b.L)
	case error:
		return lua.LString(val.Error())
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return lua.LNumber(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return lua.LNumber(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return lua.LNumber(rv.Float())
	case reflect.String:
		return lua.LString(rv.String())
	case reflect.Slice, reflect.Array:
		t := b.L.CreateTable(rv.Len(), 0)
		for i := 0; i < rv.Len(); i++ {
			t.RawSetInt(i+1, b.ToLuaValue(rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		t := b.L.CreateTable(0, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			t.RawSet(b.ToLuaValue(iter.Key().Interface()), b.ToLuaValue(iter.Value().Interface()))
		}
		return t
	case reflect.Struct:
		return b.structToTable(rv)
	default:
		ud := b.L.NewUserData()
		ud.Value = v
		return ud
	}
}

// structToTable copies exported fields, named by their json tag when set.
func (b *Bridge) structToTable(rv reflect.Value) *lua.LTable {
	rt := rv.Type()
	t := b.L.CreateTable(0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		if tag, _, _ := strings.Cut(field.Tag.Get("json"), ","); tag != "" && tag != "-" {
			name = tag
		}
		t.RawSetString(name, b.ToLuaValue(rv.Field(i).Interface()))
	}
	return t
}

// GetTableString gets a string field from a Lua table.
func (b *Bridge) GetTableString(t *lua.LTable, key string) (string, bool) {
	s, ok := t.RawGetString(key).(lua.LString)
	return string(s), ok
}

// GetTableFunc gets a function field from a Lua table, following __index.
func (b *Bridge) GetTableFunc(t *lua.LTable, key string) (*lua.LFunction, bool) {
	f, ok := b.L.GetField(t, key).(*lua.LFunction)
	return f, ok
}

// ArgsToGo converts the arguments of the current Lua call starting at index from.
func (b *Bridge) ArgsToGo(from int) []any {
	n := b.L.GetTop()
	if n < from {
		return nil
	}
	args := make([]any, 0, n-from+1)
	for i := from; i <= n; i++ {
		args = append(args, b.ToGoValue(b.L.Get(i)))
	}
	return args
}

// PushAll pushes Go values as Lua values and returns the count pushed.
func (b *Bridge) PushAll(values []any) int {
	for _, v := range values {
		b.L.Push(b.ToLuaValue(v))
	}
	return len(values)
}
