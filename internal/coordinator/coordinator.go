package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"triones-go-home/internal/driver"
)

// ReconnectPolicy decides what ConnectAll does with devices that are already
// connected.
type ReconnectPolicy string

const (
	// PolicySkipConnected leaves connected devices alone.
	PolicySkipConnected ReconnectPolicy = "skip_connected"
	// PolicyReconnectAll disconnects everything first, then connects every device.
	PolicyReconnectAll ReconnectPolicy = "reconnect_all"
)

// Bulk operation names, used in reports, events and errors.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpPowerOn    = "power_on"
	OpPowerOff   = "power_off"
	OpSetColor   = "set_color"
)

// Config holds coordinator configuration.
type Config struct {
	ReconnectPolicy ReconnectPolicy
	// Parallelism is the number of devices driven at once. 0 or 1 means one
	// at a time, in registry order.
	Parallelism int
}

// Coordinator fans bulk operations out across the registered lights through
// a driver. A failure on one device never stops the others; it is recorded
// in the operation's Report.
type Coordinator struct {
	driver   driver.Driver
	registry *Registry
	events   *EventBus
	logger   *slog.Logger
	config   Config

	// One bulk operation at a time.
	mu sync.Mutex
}

// New creates a Coordinator over an already loaded registry.
func New(drv driver.Driver, reg *Registry, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.ReconnectPolicy == "" {
		cfg.ReconnectPolicy = PolicySkipConnected
	}
	return &Coordinator{
		driver:   drv,
		registry: reg,
		events:   events,
		logger:   logger.With("component", "coordinator"),
		config:   cfg,
	}
}

// Registry returns the device registry.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Config returns the coordinator configuration.
func (c *Coordinator) Config() Config {
	return c.config
}

// Outcome is the result of one device's step in a bulk operation.
type Outcome struct {
	Address string
	OK      bool
	Err     error
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	v := struct {
		Address string `json:"address"`
		OK      bool   `json:"ok"`
		Error   string `json:"error,omitempty"`
	}{Address: o.Address, OK: o.OK}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return json.Marshal(v)
}

// Report summarizes one bulk operation.
type Report struct {
	OpID     string    `json:"op_id"`
	Op       string    `json:"op"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Outcomes []Outcome `json:"outcomes"`
}

// Failed returns the number of devices whose step failed.
func (r *Report) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.OK {
			n++
		}
	}
	return n
}

// Err joins every per-device failure, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// ConnectAll connects every disconnected device in registry order. With
// PolicyReconnectAll any existing sessions are dropped first.
func (c *Coordinator) ConnectAll(ctx context.Context) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	if c.config.ReconnectPolicy == PolicyReconnectAll && c.registry.connectedCount() > 0 {
		c.disconnectAll(ctx)
	}

	targets := c.registry.targets(func(d *Device) bool { return !d.Connected() })
	return c.run(ctx, OpConnect, targets, func(ctx context.Context, t target) error {
		c.audit("Connecting to " + t.address)
		h, err := c.driver.Connect(ctx, t.address)
		if err == nil && h == nil {
			err = errNoConnection
		}
		if err != nil {
			c.audit("Failed to connect to the light " + t.address)
			return err
		}
		if err := c.registry.UpdateConnectionState(t.address, h); err != nil {
			// Device vanished while connecting; don't leak the session.
			_ = c.driver.Disconnect(ctx, h)
			c.audit("Failed to connect to the light " + t.address)
			return err
		}
		c.audit("Connected to " + t.address)
		return nil
	})
}

// DisconnectAll releases every session. The device is marked disconnected
// even when the driver reports an error.
func (c *Coordinator) DisconnectAll(ctx context.Context) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnectAll(context.WithoutCancel(ctx))
}

// disconnectAll must be called with c.mu held.
func (c *Coordinator) disconnectAll(ctx context.Context) *Report {
	targets := c.registry.targets(func(d *Device) bool { return d.Connected() })
	return c.run(ctx, OpDisconnect, targets, func(ctx context.Context, t target) error {
		return c.release(ctx, t)
	})
}

func (c *Coordinator) release(ctx context.Context, t target) error {
	c.audit("Disconnecting from " + t.address)
	err := c.driver.Disconnect(ctx, t.handle)
	if err != nil {
		c.audit("Failed to disconnect from " + t.address)
	}
	if uerr := c.registry.UpdateConnectionState(t.address, nil); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// PowerAll switches every connected device on or off. Connection state is
// not changed by a failure.
func (c *Coordinator) PowerAll(ctx context.Context, on bool) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	op, verb, call := OpPowerOff, "off", c.driver.PowerOff
	if on {
		op, verb, call = OpPowerOn, "on", c.driver.PowerOn
	}
	targets := c.registry.targets(func(d *Device) bool { return d.Connected() })
	return c.run(ctx, op, targets, func(ctx context.Context, t target) error {
		c.audit(fmt.Sprintf("Turning %s %s", verb, t.address))
		if err := call(ctx, t.handle); err != nil {
			c.audit(fmt.Sprintf("Failed to turn %s %s", verb, t.address))
			return err
		}
		return nil
	})
}

// SetColorAll sets every connected device to the given color.
func (c *Coordinator) SetColorAll(ctx context.Context, r, g, b uint8) *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx = context.WithoutCancel(ctx)

	targets := c.registry.targets(func(d *Device) bool { return d.Connected() })
	return c.run(ctx, OpSetColor, targets, func(ctx context.Context, t target) error {
		c.audit("Changing color on " + t.address)
		if err := c.driver.SetColor(ctx, r, g, b, t.handle); err != nil {
			c.audit("Failed to change color on " + t.address)
			return err
		}
		return nil
	})
}

// Add registers a new device. See Registry.Add.
func (c *Coordinator) Add(address string) (DeviceState, error) {
	return c.registry.Add(address)
}

// RemoveAt removes the device at index, disconnecting it first if needed.
// A negative or out-of-range index is a no-op and returns false.
func (c *Coordinator) RemoveAt(ctx context.Context, index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.registry.at(index)
	if !ok {
		return false
	}
	if t.handle != nil {
		if err := c.release(context.WithoutCancel(ctx), t); err != nil {
			c.logger.Warn("disconnect before remove", "address", t.address, "err", err)
		}
	}
	// Only Coordinator removes, and it holds c.mu, so the index is still valid.
	return c.registry.Remove(index)
}

// Shutdown disconnects every device. Called once at process exit.
func (c *Coordinator) Shutdown(ctx context.Context) *Report {
	c.logger.Info("disconnecting all lights before exit")
	return c.DisconnectAll(ctx)
}

type stepFunc func(ctx context.Context, t target) error

// run applies step to each target and collects the outcomes in target order.
func (c *Coordinator) run(ctx context.Context, op string, targets []target, step stepFunc) *Report {
	report := &Report{
		OpID:     uuid.NewString(),
		Op:       op,
		Started:  time.Now(),
		Outcomes: make([]Outcome, len(targets)),
	}
	c.events.Emit(Event{Type: EventBulkStarted, Data: map[string]interface{}{
		"op":      op,
		"op_id":   report.OpID,
		"devices": len(targets),
	}})

	do := func(i int) {
		t := targets[i]
		out := Outcome{Address: t.address, OK: true}
		if err := step(ctx, t); err != nil {
			derr := &DriverError{Op: op, Address: t.address, Err: err}
			out = Outcome{Address: t.address, Err: derr}
			c.logger.Warn("device step failed", "op", op, "address", t.address, "err", err)
			c.events.Emit(Event{Type: EventDeviceFailed, Data: map[string]interface{}{
				"op":      op,
				"op_id":   report.OpID,
				"address": t.address,
				"error":   err.Error(),
			}})
		}
		report.Outcomes[i] = out
	}

	if c.config.Parallelism > 1 && len(targets) > 1 {
		var g errgroup.Group
		g.SetLimit(c.config.Parallelism)
		for i := range targets {
			g.Go(func() error {
				do(i)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i := range targets {
			do(i)
		}
	}

	report.Finished = time.Now()
	failed := report.Failed()
	c.logger.Info("bulk operation finished", "op", op, "op_id", report.OpID,
		"devices", len(targets), "failed", failed, "took", report.Finished.Sub(report.Started))
	c.events.Emit(Event{Type: EventBulkFinished, Data: map[string]interface{}{
		"op":      op,
		"op_id":   report.OpID,
		"devices": len(targets),
		"failed":  failed,
	}})
	return report
}

func (c *Coordinator) audit(message string) {
	c.events.audit(c.logger, message)
}
