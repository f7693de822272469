//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"triones-go-home/internal/coordinator"

	lua "github.com/yuin/gopher-lua"
)

const runTimeout = 5 * time.Second

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a registered Lua callback for an event type.
type luaEventHandler struct {
	eventType string
	address   string // canonical address filter (empty = any)
	op        string // bulk operation filter (empty = any)
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. All Lua calls go through
// commands so the state is only touched by its own goroutine.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives lights.log / system.log output.
	logf func(level, msg string)
}

// Engine runs enabled scripts and feeds them coordinator events.
type Engine struct {
	coord   *coordinator.Coordinator
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(coord *coordinator.Coordinator, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		coord:   coord,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the EventBus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.coord.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the EventBus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running reports whether the script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the old VM (if any) and starts a new one when enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: err.Error(), Logs: []string{}, Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code once in a throwaway VM with a time limit.
// Handlers registered with lights.on are invoked once with a synthetic
// event so a scene can be tried without waiting for a real trigger.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	logs := []string{}
	var logMu sync.Mutex

	vm := e.newVM(ctx, cancel, func(level, msg string) {
		logMu.Lock()
		if level == "" {
			logs = append(logs, msg)
		} else {
			logs = append(logs, "["+level+"] "+msg)
		}
		logMu.Unlock()
	})
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		data := map[string]interface{}{}
		if h.address != "" {
			data["address"] = h.address
		}
		if h.op != "" {
			data["op"] = h.op
		}
		ev := coordinator.Event{Type: h.eventType, Data: data}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventToLua(L, ev)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// newVM creates a sandboxed Lua state with the lights and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, logf func(level, msg string)) *scriptVM {
	L := lua.NewState()

	// Sandbox: no filesystem, process or code loading.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "loadstring", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
		logf:     logf,
	}
	registerLightsModule(L, vm, e)
	registerSystemModule(L, vm)
	return vm
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	logger := e.logger.With("script", s.ID)
	vm := e.newVM(ctx, cancel, func(level, msg string) {
		switch level {
		case "debug":
			logger.Debug("script log", "msg", msg)
		case "warn":
			logger.Warn("script log", "msg", msg)
		case "error":
			logger.Error("script log", "msg", msg)
		default:
			logger.Info("script log", "msg", msg)
		}
	})
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues matching handlers on their VM goroutines. It runs on
// the emitter's goroutine and never blocks.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, event) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "type", event.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, event coordinator.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	if h.address == "" && h.op == "" {
		return true
	}

	data, ok := event.Data.(map[string]interface{})
	if !ok {
		return false
	}
	if h.address != "" {
		if addr, _ := data["address"].(string); addr != h.address {
			return false
		}
	}
	if h.op != "" {
		if op, _ := data["op"].(string); op != h.op {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, event coordinator.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventToLua(L, event)); err != nil {
		e.logger.Error("lua handler error", "type", event.Type, "err", err)
	}
}

func eventToLua(L *lua.LState, event coordinator.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	if data, ok := event.Data.(map[string]interface{}); ok {
		for k, v := range data {
			t.RawSetString(k, goToLua(L, v))
		}
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case time.Time:
		return lua.LNumber(val.Unix())
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
