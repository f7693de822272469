//go:build !no_automation

package automation

import (
	"context"
	"time"

	"triones-go-home/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

const maxHandlersPerScript = 100

// registerLightsModule registers the `lights` global table in a Lua state.
func registerLightsModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on":             func(L *lua.LState) int { return lightsOn(L, vm) },
		"connect_all":    func(L *lua.LState) int { return pushReport(L, e.coord.ConnectAll(context.Background())) },
		"disconnect_all": func(L *lua.LState) int { return pushReport(L, e.coord.DisconnectAll(context.Background())) },
		"power_all":      func(L *lua.LState) int { return lightsPowerAll(L, e) },
		"set_color_all":  func(L *lua.LState) int { return lightsSetColorAll(L, e) },
		"devices":        func(L *lua.LState) int { return lightsDevices(L, e) },
		"add":            func(L *lua.LState) int { return lightsAdd(L, e) },
		"after":          func(L *lua.LState) int { return lightsAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			vm.logf("", L.CheckString(1))
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("lights", mod)
}

// lights.on(event_type, filter, callback)
//
// event_type is one of the coordinator event names or "*". filter may
// carry `address` (any accepted form) and `op` (bulk operation name).
func lightsOn(L *lua.LState, vm *scriptVM) int {
	eventType := L.CheckString(1)
	filter := L.OptTable(2, L.NewTable())
	fn := L.CheckFunction(3)

	h := luaEventHandler{eventType: eventType, fn: fn}
	if v := filter.RawGetString("address"); v != lua.LNil {
		addr, err := coordinator.NormalizeAddress(v.String())
		if err != nil {
			L.ArgError(2, "invalid address filter: "+v.String())
			return 0
		}
		h.address = addr
	}
	if v := filter.RawGetString("op"); v != lua.LNil {
		h.op = v.String()
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// lights.power_all(on)
func lightsPowerAll(L *lua.LState, e *Engine) int {
	on := L.CheckBool(1)
	return pushReport(L, e.coord.PowerAll(context.Background(), on))
}

// lights.set_color_all(r, g, b) with each channel 0-255
func lightsSetColorAll(L *lua.LState, e *Engine) int {
	var rgb [3]uint8
	for i := range rgb {
		v := L.CheckInt(i + 1)
		if v < 0 || v > 255 {
			L.ArgError(i+1, "color channel must be 0-255")
			return 0
		}
		rgb[i] = uint8(v)
	}
	return pushReport(L, e.coord.SetColorAll(context.Background(), rgb[0], rgb[1], rgb[2]))
}

// lights.devices() returns {index, address, connected} rows in registry order.
func lightsDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for _, d := range e.coord.Registry().Snapshot() {
		row := L.NewTable()
		row.RawSetString("index", lua.LNumber(d.Index))
		row.RawSetString("address", lua.LString(d.Address))
		row.RawSetString("connected", lua.LBool(d.Connected))
		tbl.Append(row)
	}
	L.Push(tbl)
	return 1
}

// lights.add(address) returns true and the new 0-based index, or false and
// an error message.
func lightsAdd(L *lua.LState, e *Engine) int {
	added, err := e.coord.Add(L.CheckString(1))
	if err != nil {
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	L.Push(lua.LNumber(added.Index))
	return 2
}

// lights.after(seconds, callback) runs callback later on the script's VM.
func lightsAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		case <-vm.ctx.Done():
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// pushReport returns a bulk report as {op, op_id, failed, outcomes = {{address, ok, error}}}.
func pushReport(L *lua.LState, r *coordinator.Report) int {
	t := L.NewTable()
	t.RawSetString("op", lua.LString(r.Op))
	t.RawSetString("op_id", lua.LString(r.OpID))
	t.RawSetString("failed", lua.LNumber(r.Failed()))
	outcomes := L.NewTable()
	for _, o := range r.Outcomes {
		row := L.NewTable()
		row.RawSetString("address", lua.LString(o.Address))
		row.RawSetString("ok", lua.LBool(o.OK))
		if o.Err != nil {
			row.RawSetString("error", lua.LString(o.Err.Error()))
		}
		outcomes.Append(row)
	}
	t.RawSetString("outcomes", outcomes)
	L.Push(t)
	return 1
}
