//go:build !no_automation

package automation

import (
	"log/slog"
	"os"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newSystemState(t *testing.T) (*lua.LState, *[]string) {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	var logs []string
	vm := &scriptVM{logf: func(level, msg string) { logs = append(logs, level+":"+msg) }}
	registerSystemModule(L, vm)
	return L, &logs
}

func TestSystemDatetimeReturnsNumber(t *testing.T) {
	L, _ := newSystemState(t)

	for _, comp := range []string{"hour", "minute", "second", "weekday", "day", "month", "year", "timestamp"} {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		if got := L.GetGlobal("_result").Type(); got != lua.LTNumber {
			t.Errorf("system.datetime(%q) type = %v, want LTNumber", comp, got)
		}
	}
}

func TestSystemDatetimeReturnsString(t *testing.T) {
	L, _ := newSystemState(t)

	for _, comp := range []string{"time_str", "date_str"} {
		L.SetGlobal("_comp", lua.LString(comp))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", comp, err)
		}
		if got := L.GetGlobal("_result").Type(); got != lua.LTString {
			t.Errorf("system.datetime(%q) type = %v, want LTString", comp, got)
		}
	}
}

func TestSystemDatetimeUnknown(t *testing.T) {
	L, _ := newSystemState(t)
	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{2, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemTimeBetweenReturnsBool(t *testing.T) {
	L, _ := newSystemState(t)
	if err := L.DoString(`_result = system.time_between(0, 24)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_result") != lua.LTrue {
		t.Errorf("time_between(0, 24) = %v, want true", L.GetGlobal("_result"))
	}
}

func TestSystemLog(t *testing.T) {
	L, logs := newSystemState(t)
	if err := L.DoString(`system.log("warn", "too bright")`); err != nil {
		t.Fatal(err)
	}
	if len(*logs) != 1 || (*logs)[0] != "warn:too bright" {
		t.Errorf("logs = %q", *logs)
	}
}
