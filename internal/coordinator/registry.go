package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"triones-go-home/internal/driver"
	"triones-go-home/internal/store"
)

// Registry is the ordered list of managed lights. Insertion order is kept
// and canonical addresses are unique.
//
// Every mutation runs under writeMu together with its store write and its
// notification, so the persisted list always matches the latest mutation
// and observers see changes in the order they happened.
type Registry struct {
	store  store.Store
	events *EventBus
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	devices []*Device
	saveErr *SaveError
}

// target is a device's address and handle captured for one driver call.
type target struct {
	address string
	handle  driver.Handle
}

// NewRegistry creates an empty registry. Call Load to populate it.
func NewRegistry(st store.Store, events *EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		events: events,
		logger: logger.With("component", "registry"),
	}
}

// Load replaces the registry contents with the persisted list. Any read or
// decode failure leaves the registry empty; it is reported through the log
// and a load_failed event, never returned. Every loaded device starts
// disconnected.
func (r *Registry) Load() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.events.audit(r.logger, "Loading data")

	records, err := r.store.Load()
	switch {
	case errors.Is(err, store.ErrNotFound):
		r.logger.Info("no saved device list, starting empty")
		records = nil
	case err != nil:
		r.logger.Warn("load device list", "err", err)
		r.events.audit(r.logger, "Failed to load data")
		r.events.Emit(Event{Type: EventLoadFailed, Data: map[string]interface{}{
			"error": err.Error(),
		}})
		records = nil
	}

	devices := make([]*Device, 0, len(records))
	seen := make(map[string]bool, len(records))
	for i, rec := range records {
		addr, err := NormalizeAddress(rec.Address)
		if err != nil {
			r.logger.Warn("skipping saved entry", "index", i, "address", rec.Address, "err", err)
			continue
		}
		if seen[addr] {
			r.logger.Warn("skipping duplicate saved entry", "index", i, "address", addr)
			continue
		}
		seen[addr] = true
		devices = append(devices, &Device{address: addr})
	}

	r.mu.Lock()
	r.devices = devices
	r.mu.Unlock()

	r.logger.Info("device list loaded", "count", len(devices))
	r.emitReset(len(devices), true)
}

// Add appends a disconnected device and returns its entry as of the append.
// Returns ErrInvalidAddress or ErrDuplicateAddress without changing the
// registry.
func (r *Registry) Add(address string) (DeviceState, error) {
	text := strings.TrimSpace(address)
	if text == "" {
		return DeviceState{}, fmt.Errorf("empty address: %w", ErrInvalidAddress)
	}
	addr, err := NormalizeAddress(text)
	if err != nil {
		r.events.audit(r.logger, "Invalid MAC address: "+text)
		return DeviceState{}, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if r.indexLocked(addr) >= 0 {
		r.mu.Unlock()
		return DeviceState{}, fmt.Errorf("%s: %w", addr, ErrDuplicateAddress)
	}
	r.devices = append(r.devices, &Device{address: addr})
	added := DeviceState{Index: len(r.devices) - 1, Address: addr}
	records := r.recordsLocked()
	r.mu.Unlock()

	r.logger.Info("device added", "address", addr, "index", added.Index)
	r.persist(records)
	r.emitReset(len(records), false)
	return added, nil
}

// Remove deletes the device at index. A negative or out-of-range index is a
// no-op and returns false. The caller owns any session the device held;
// use Coordinator.RemoveAt to release it first.
func (r *Registry) Remove(index int) bool {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	if index < 0 || index >= len(r.devices) {
		r.mu.Unlock()
		return false
	}
	addr := r.devices[index].address
	r.devices = append(r.devices[:index], r.devices[index+1:]...)
	records := r.recordsLocked()
	r.mu.Unlock()

	r.logger.Info("device removed", "address", addr, "index", index)
	r.persist(records)
	r.emitReset(len(records), true)
	return true
}

// Find returns the index of the device with address.
func (r *Registry) Find(address string) (int, error) {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return -1, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	i := r.indexLocked(addr)
	if i < 0 {
		return -1, fmt.Errorf("%s: %w", addr, ErrNotFound)
	}
	return i, nil
}

// UpdateConnectionState sets (h != nil) or clears (h == nil) the session of
// the device with address.
func (r *Registry) UpdateConnectionState(address string, h driver.Handle) error {
	addr, err := NormalizeAddress(address)
	if err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	i := r.indexLocked(addr)
	if i < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", addr, ErrNotFound)
	}
	r.devices[i].handle = h
	connected := r.devices[i].Connected()
	records := r.recordsLocked()
	r.mu.Unlock()

	r.persist(records)
	r.events.Emit(Event{Type: EventDeviceChanged, Data: map[string]interface{}{
		"index":     i,
		"address":   addr,
		"connected": connected,
	}})
	return nil
}

// Snapshot returns the current entries in order.
func (r *Registry) Snapshot() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceState, len(r.devices))
	for i, d := range r.devices {
		out[i] = DeviceState{Index: i, Address: d.address, Connected: d.Connected()}
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// SaveHealth returns the last store write failure, or nil if the most recent
// write succeeded.
func (r *Registry) SaveHealth() *SaveError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.saveErr
}

// targets returns the devices matching keep, in registry order.
func (r *Registry) targets(keep func(*Device) bool) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []target
	for _, d := range r.devices {
		if keep(d) {
			out = append(out, target{address: d.address, handle: d.handle})
		}
	}
	return out
}

func (r *Registry) at(index int) (target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if index < 0 || index >= len(r.devices) {
		return target{}, false
	}
	d := r.devices[index]
	return target{address: d.address, handle: d.handle}, true
}

func (r *Registry) connectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, d := range r.devices {
		if d.Connected() {
			n++
		}
	}
	return n
}

// indexLocked must be called with r.mu held.
func (r *Registry) indexLocked(addr string) int {
	for i, d := range r.devices {
		if d.address == addr {
			return i
		}
	}
	return -1
}

// recordsLocked must be called with r.mu held.
func (r *Registry) recordsLocked() []store.Record {
	records := make([]store.Record, len(r.devices))
	for i, d := range r.devices {
		records[i] = store.Record{Address: d.address}
	}
	return records
}

// persist must be called with r.writeMu held. A failed write is logged and
// recorded; the in-memory change stands.
func (r *Registry) persist(records []store.Record) {
	err := r.store.Save(records)

	r.mu.Lock()
	prev := r.saveErr
	if err != nil {
		r.saveErr = &SaveError{Time: time.Now(), Err: err}
	} else {
		r.saveErr = nil
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Error("save device list", "err", err)
		r.events.Emit(Event{Type: EventSaveFailed, Data: map[string]interface{}{
			"error": err.Error(),
		}})
		return
	}
	if prev != nil {
		r.logger.Info("device list saved again after failure")
		r.events.Emit(Event{Type: EventSaveRecovered, Data: map[string]interface{}{}})
	}
}

func (r *Registry) emitReset(count int, selectionCleared bool) {
	r.events.Emit(Event{Type: EventDevicesReset, Data: map[string]interface{}{
		"count":             count,
		"selection_cleared": selectionCleared,
	}})
}
