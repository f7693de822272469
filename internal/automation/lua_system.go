//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, vm *scriptVM) {
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(systemDatetime))
	mod.RawSetString("time_between", L.NewFunction(systemTimeBetween))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		vm.logf(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetGlobal("system", mod)
}

// system.datetime(component) returns one component of the local time.
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from_hour, to_hour) checks the current hour against a
// range that may wrap past midnight (22, 6).
func systemTimeBetween(L *lua.LState) int {
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), L.CheckInt(1), L.CheckInt(2))))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}
