package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"triones-go-home/internal/driver"
	"triones-go-home/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is a minimal in-memory store for registry tests.
type memStore struct {
	mu      sync.Mutex
	records []store.Record
	saved   bool
	loadErr error
	saveErr error
	saves   int
}

func newMemStore(addrs ...string) *memStore {
	m := &memStore{}
	if len(addrs) > 0 {
		m.saved = true
		for _, a := range addrs {
			m.records = append(m.records, store.Record{Address: a})
		}
	}
	return m
}

func (m *memStore) Load() ([]store.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if !m.saved {
		return nil, store.ErrNotFound
	}
	return append([]store.Record(nil), m.records...), nil
}

func (m *memStore) Save(records []store.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = true
	m.records = append([]store.Record(nil), records...)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) addresses() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.records))
	for i, r := range m.records {
		out[i] = r.Address
	}
	return out
}

func (m *memStore) setSaveErr(err error) {
	m.mu.Lock()
	m.saveErr = err
	m.mu.Unlock()
}

// stubDriver records calls and fails for configured addresses.
type stubDriver struct {
	mu          sync.Mutex
	calls       []string
	failConnect map[string]bool // error
	nilConnect  map[string]bool // (nil, nil)
	failOp      map[string]bool // power/color/disconnect errors
	live        map[*stubHandle]bool
}

type stubHandle struct {
	address string
}

func newStubDriver() *stubDriver {
	return &stubDriver{
		failConnect: make(map[string]bool),
		nilConnect:  make(map[string]bool),
		failOp:      make(map[string]bool),
		live:        make(map[*stubHandle]bool),
	}
}

func (d *stubDriver) record(call string) {
	d.calls = append(d.calls, call)
}

func (d *stubDriver) Connect(_ context.Context, address string) (driver.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("connect " + address)
	if d.failConnect[address] {
		return nil, errors.New("unreachable")
	}
	if d.nilConnect[address] {
		return nil, nil
	}
	h := &stubHandle{address: address}
	d.live[h] = true
	return h, nil
}

func (d *stubDriver) op(name string, h driver.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sh, ok := h.(*stubHandle)
	if !ok {
		return driver.ErrUnknownHandle
	}
	d.record(name + " " + sh.address)
	if d.failOp[sh.address] {
		return fmt.Errorf("%s failed", name)
	}
	if !d.live[sh] {
		return driver.ErrUnknownHandle
	}
	return nil
}

func (d *stubDriver) Disconnect(_ context.Context, h driver.Handle) error {
	err := d.op("disconnect", h)
	d.mu.Lock()
	if sh, ok := h.(*stubHandle); ok {
		delete(d.live, sh)
	}
	d.mu.Unlock()
	return err
}

func (d *stubDriver) PowerOn(_ context.Context, h driver.Handle) error  { return d.op("on", h) }
func (d *stubDriver) PowerOff(_ context.Context, h driver.Handle) error { return d.op("off", h) }

func (d *stubDriver) SetColor(_ context.Context, r, g, b uint8, h driver.Handle) error {
	return d.op(fmt.Sprintf("color %d,%d,%d", r, g, b), h)
}

func (d *stubDriver) Close() error { return nil }

func (d *stubDriver) callLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *stubDriver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// eventRecorder collects every event emitted on a bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(bus *EventBus) *eventRecorder {
	r := &eventRecorder{}
	bus.OnAll(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *eventRecorder) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) auditLines() []string {
	var out []string
	for _, e := range r.ofType(EventLog) {
		out = append(out, e.Data.(map[string]interface{})["message"].(string))
	}
	return out
}

func newTestRegistry(t *testing.T, st *memStore) (*Registry, *EventBus, *eventRecorder) {
	t.Helper()
	bus := NewEventBus(newTestLogger())
	rec := recordEvents(bus)
	reg := NewRegistry(st, bus, newTestLogger())
	reg.Load()
	return reg, bus, rec
}

func newTestCoordinator(t *testing.T, cfg Config, addrs ...string) (*Coordinator, *stubDriver, *memStore, *eventRecorder) {
	t.Helper()
	st := newMemStore(addrs...)
	reg, bus, rec := newTestRegistry(t, st)
	drv := newStubDriver()
	return New(drv, reg, bus, cfg, newTestLogger()), drv, st, rec
}

func contains(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}
