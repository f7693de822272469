//go:build !no_automation

package automation

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"triones-go-home/internal/coordinator"
	"triones-go-home/internal/driver"
	"triones-go-home/internal/store"

	lua "github.com/yuin/gopher-lua"
)

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool true", true, lua.LTBool},
		{"bool false", false, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"int64", int64(99), lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"uint8", uint8(255), lua.LTNumber},
		{"time", time.Unix(1700000000, 0), lua.LTNumber},
		{"map", map[string]interface{}{"a": 1}, lua.LTTable},
		{"slice", []interface{}{1, 2, 3}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := goToLua(L, tt.val)
			if result.Type() != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, result.Type(), tt.want)
			}
		})
	}
}

func TestGoToLuaBoolValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if v := goToLua(L, true); v != lua.LTrue {
		t.Errorf("goToLua(true) = %v, want LTrue", v)
	}
	if v := goToLua(L, false); v != lua.LFalse {
		t.Errorf("goToLua(false) = %v, want LFalse", v)
	}
}

func TestGoToLuaNumberValues(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, 42)
	if n, ok := v.(lua.LNumber); !ok || float64(n) != 42 {
		t.Errorf("goToLua(42) = %v, want LNumber(42)", v)
	}
}

func TestGoToLuaStringValue(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	v := goToLua(L, "hello")
	if s, ok := v.(lua.LString); !ok || string(s) != "hello" {
		t.Errorf("goToLua(hello) = %v, want LString(hello)", v)
	}
}

func TestGoToLuaMap(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	m := map[string]interface{}{"key": "value", "num": 10}
	v := goToLua(L, m)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	keyVal := tbl.RawGetString("key")
	if s, ok := keyVal.(lua.LString); !ok || string(s) != "value" {
		t.Errorf("map[key] = %v, want value", keyVal)
	}

	numVal := tbl.RawGetString("num")
	if n, ok := numVal.(lua.LNumber); !ok || float64(n) != 10 {
		t.Errorf("map[num] = %v, want 10", numVal)
	}
}

func TestGoToLuaSlice(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	s := []interface{}{"a", "b", "c"}
	v := goToLua(L, s)
	tbl, ok := v.(*lua.LTable)
	if !ok {
		t.Fatal("expected LTable")
	}

	if tbl.Len() != 3 {
		t.Errorf("table len = %d, want 3", tbl.Len())
	}

	first := tbl.RawGetInt(1)
	if str, ok := first.(lua.LString); !ok || string(str) != "a" {
		t.Errorf("slice[1] = %v, want a", first)
	}
}

func TestMatchesHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler luaEventHandler
		evType  string
		evData  map[string]interface{}
		want    bool
	}{
		{
			"exact match",
			luaEventHandler{eventType: "device_failed", address: "AA:BB:CC:DD:EE:FF", op: "connect"},
			"device_failed",
			map[string]interface{}{"address": "AA:BB:CC:DD:EE:FF", "op": "connect"},
			true,
		},
		{
			"wrong event type",
			luaEventHandler{eventType: "device_failed"},
			"bulk_finished",
			map[string]interface{}{},
			false,
		},
		{
			"wildcard type",
			luaEventHandler{eventType: "*"},
			"log",
			map[string]interface{}{"message": "Connected"},
			true,
		},
		{
			"address filter mismatch",
			luaEventHandler{eventType: "device_changed", address: "AA:BB:CC:DD:EE:FF"},
			"device_changed",
			map[string]interface{}{"address": "11:22:33:44:55:66"},
			false,
		},
		{
			"op filter mismatch",
			luaEventHandler{eventType: "bulk_finished", op: "connect"},
			"bulk_finished",
			map[string]interface{}{"op": "power_on"},
			false,
		},
		{
			"op filter without op in data",
			luaEventHandler{eventType: "devices_reset", op: "connect"},
			"devices_reset",
			map[string]interface{}{"count": 2},
			false,
		},
		{
			"no filters match any",
			luaEventHandler{eventType: "device_changed"},
			"device_changed",
			map[string]interface{}{"address": "AA:BB:CC:DD:EE:FF", "connected": true},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchesHandler(tt.handler, coordinator.Event{
				Type: tt.evType,
				Data: tt.evData,
			})
			if got != tt.want {
				t.Errorf("matchesHandler() = %v, want %v", got, tt.want)
			}
		})
	}
}

func newTestEngine(t *testing.T, addrs ...string) (*Engine, *driver.SimDriver, *coordinator.Coordinator) {
	t.Helper()
	logger := testLogger()
	dir := t.TempDir()

	bus := coordinator.NewEventBus(logger)
	reg := coordinator.NewRegistry(store.NewFileStore(filepath.Join(dir, "devices.json")), bus, logger)
	reg.Load()
	for _, a := range addrs {
		if _, err := reg.Add(a); err != nil {
			t.Fatal(err)
		}
	}

	sim := driver.NewSimDriver(nil, logger)
	t.Cleanup(func() { sim.Close() })
	coord := coordinator.New(sim, reg, bus, coordinator.Config{ReconnectPolicy: coordinator.PolicySkipConnected}, logger)

	mgr, err := NewManager(filepath.Join(dir, "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	e := NewEngine(coord, mgr, logger)
	t.Cleanup(e.Stop)
	return e, sim, coord
}

func TestRunLuaCodeScene(t *testing.T) {
	e, sim, _ := newTestEngine(t, "AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02")

	res := e.RunLuaCode(`
		lights.connect_all()
		local r = lights.set_color_all(255, 0, 128)
		lights.log("failed=" .. r.failed .. " n=" .. #r.outcomes)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "failed=0 n=2" {
		t.Errorf("logs = %q", res.Logs)
	}
	for _, a := range []string{"AA:BB:CC:DD:EE:01", "AA:BB:CC:DD:EE:02"} {
		l, ok := sim.Light(a)
		if !ok {
			t.Fatalf("%s not driven", a)
		}
		if l.R != 255 || l.G != 0 || l.B != 128 {
			t.Errorf("%s color = %d,%d,%d", a, l.R, l.G, l.B)
		}
	}
}

func TestRunLuaCodeDevices(t *testing.T) {
	e, _, _ := newTestEngine(t, "aa-bb-cc-dd-ee-01")

	res := e.RunLuaCode(`
		local ok, err = lights.add("nonsense")
		lights.log(tostring(ok))
		local added, idx = lights.add("aabbccddee02")
		lights.log("added " .. tostring(added) .. " " .. idx)
		for _, d in ipairs(lights.devices()) do
			lights.log(d.index .. " " .. d.address .. " " .. tostring(d.connected))
		end
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	want := []string{"false", "added true 1", "0 AA:BB:CC:DD:EE:01 false", "1 AA:BB:CC:DD:EE:02 false"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
}

func TestRunLuaCodeColorRange(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`lights.set_color_all(256, 0, 0)`)
	if res.OK {
		t.Fatal("expected error for channel > 255")
	}
	if !strings.Contains(res.Error, "0-255") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunLuaCodeSandbox(t *testing.T) {
	e, _, _ := newTestEngine(t)

	for _, code := range []string{`os.exit(1)`, `io.write("x")`, `require("socket")`, `dofile("/etc/passwd")`} {
		if res := e.RunLuaCode(code); res.OK {
			t.Errorf("%s: expected sandbox error", code)
		}
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, _, _ := newTestEngine(t)

	res := e.RunLuaCode(`
		lights.on("device_failed", {address = "aa-bb-cc-dd-ee-ff"}, function(ev)
			lights.log(ev.type .. " " .. ev.address)
		end)
	`)
	if !res.OK {
		t.Fatalf("run failed: %s", res.Error)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "device_failed AA:BB:CC:DD:EE:FF" {
		t.Errorf("logs = %q", res.Logs)
	}
}

func TestRunLuaCodeBadFilter(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if res := e.RunLuaCode(`lights.on("device_failed", {address = "zz"}, function() end)`); res.OK {
		t.Error("expected error for invalid address filter")
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestEngine(t)
	res := e.RunScript("missing")
	if res.OK || !strings.Contains(res.Error, "not found") {
		t.Errorf("result = %+v", res)
	}
}

func TestEngineScriptReactsToEvents(t *testing.T) {
	e, sim, coord := newTestEngine(t, "AA:BB:CC:DD:EE:01")

	_, err := e.manager.Save(&Script{
		ID:   "auto_on",
		Meta: ScriptMeta{Name: "Auto on", Enabled: true},
		LuaCode: `lights.on("bulk_finished", {op = "connect"}, function(ev)
	lights.power_all(true)
end)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	e.Start()
	if !e.Running("auto_on") {
		t.Fatal("script not running after Start")
	}

	if r := coord.ConnectAll(context.Background()); r.Failed() != 0 {
		t.Fatalf("connect failed: %v", r.Err())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if l, ok := sim.Light("AA:BB:CC:DD:EE:01"); ok && l.On {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never powered the light on")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngineReloadDisabled(t *testing.T) {
	e, _, _ := newTestEngine(t)

	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: "Toggle", Enabled: true}, LuaCode: `x = 1`})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if !e.Running(s.ID) {
		t.Fatal("enabled script not running")
	}

	s.Meta.Enabled = false
	if _, err := e.manager.Save(s); err != nil {
		t.Fatal(err)
	}
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if e.Running(s.ID) {
		t.Error("disabled script still running")
	}
}

func TestEngineStartSkipsBrokenScript(t *testing.T) {
	e, _, _ := newTestEngine(t)

	if _, err := e.manager.Save(&Script{ID: "broken", Meta: ScriptMeta{Enabled: true}, LuaCode: `error("no scene configured")`}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.manager.Save(&Script{ID: "good", Meta: ScriptMeta{Enabled: true}, LuaCode: `x = 1`}); err != nil {
		t.Fatal(err)
	}
	e.Start()
	if e.Running("broken") {
		t.Error("broken script running")
	}
	if !e.Running("good") {
		t.Error("good script not running")
	}
}
