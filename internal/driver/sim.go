package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SimDriver is an in-memory stand-in for real lights. It keeps per-address
// power and color state and can be told that some addresses are unreachable.
type SimDriver struct {
	logger *slog.Logger

	mu          sync.Mutex
	unreachable map[string]bool
	lights      map[string]*SimLight
	sessions    map[*simHandle]struct{}
	closed      bool
}

// SimLight is the simulated state of one light.
type SimLight struct {
	Address string
	On      bool
	R, G, B uint8
}

type simHandle struct {
	address string
}

// NewSimDriver creates a simulator. Addresses in unreachable never connect.
func NewSimDriver(unreachable []string, logger *slog.Logger) *SimDriver {
	d := &SimDriver{
		logger:      logger.With("component", "sim_driver"),
		unreachable: make(map[string]bool),
		lights:      make(map[string]*SimLight),
		sessions:    make(map[*simHandle]struct{}),
	}
	for _, a := range unreachable {
		d.unreachable[strings.ToUpper(a)] = true
	}
	return d
}

// SetUnreachable toggles whether address refuses connections.
func (d *SimDriver) SetUnreachable(address string, unreachable bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unreachable[strings.ToUpper(address)] = unreachable
}

// Light returns a copy of the simulated state for address.
func (d *SimDriver) Light(address string) (SimLight, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.lights[strings.ToUpper(address)]
	if !ok {
		return SimLight{}, false
	}
	return *l, true
}

func (d *SimDriver) Connect(_ context.Context, address string) (Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	address = strings.ToUpper(address)
	if d.unreachable[address] {
		d.logger.Debug("sim connect refused", "address", address)
		return nil, nil
	}
	if _, ok := d.lights[address]; !ok {
		d.lights[address] = &SimLight{Address: address, R: 255, G: 255, B: 255}
	}
	h := &simHandle{address: address}
	d.sessions[h] = struct{}{}
	return h, nil
}

func (d *SimDriver) Disconnect(_ context.Context, h Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sh, err := d.session(h)
	if err != nil {
		return err
	}
	delete(d.sessions, sh)
	return nil
}

func (d *SimDriver) PowerOn(_ context.Context, h Handle) error {
	return d.apply(h, func(l *SimLight) { l.On = true })
}

func (d *SimDriver) PowerOff(_ context.Context, h Handle) error {
	return d.apply(h, func(l *SimLight) { l.On = false })
}

func (d *SimDriver) SetColor(_ context.Context, r, g, b uint8, h Handle) error {
	return d.apply(h, func(l *SimLight) { l.R, l.G, l.B = r, g, b })
}

func (d *SimDriver) apply(h Handle, fn func(*SimLight)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sh, err := d.session(h)
	if err != nil {
		return err
	}
	if d.unreachable[sh.address] {
		return fmt.Errorf("sim light %s went out of range", sh.address)
	}
	fn(d.lights[sh.address])
	return nil
}

// session must be called with d.mu held.
func (d *SimDriver) session(h Handle) (*simHandle, error) {
	if d.closed {
		return nil, ErrClosed
	}
	sh, ok := h.(*simHandle)
	if !ok {
		return nil, ErrUnknownHandle
	}
	if _, ok := d.sessions[sh]; !ok {
		return nil, ErrUnknownHandle
	}
	return sh, nil
}

func (d *SimDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	clear(d.sessions)
	return nil
}
