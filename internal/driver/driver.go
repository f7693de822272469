// Package driver defines the capability interface for Bluetooth LED light
// controllers and the backends that implement it.
// Backends: serial BLE bridge adapter, in-memory simulator.
package driver

import (
	"context"
	"errors"
)

// Handle is an opaque session returned by Connect. Callers must pass it back
// unchanged and must not inspect it.
type Handle any

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("driver closed")

// ErrUnknownHandle is returned when a handle was not issued by the backend or
// has already been released.
var ErrUnknownHandle = errors.New("unknown connection handle")

// Driver is the abstract interface for a light controller backend.
type Driver interface {
	// Connect opens a session to the light at address (canonical
	// AA:BB:CC:DD:EE:FF form). An ordinary connection failure may be reported
	// either as an error or as a nil handle with a nil error.
	Connect(ctx context.Context, address string) (Handle, error)
	// Disconnect releases the session. Local state is considered released
	// even if this returns an error.
	Disconnect(ctx context.Context, h Handle) error

	PowerOn(ctx context.Context, h Handle) error
	PowerOff(ctx context.Context, h Handle) error
	SetColor(ctx context.Context, r, g, b uint8, h Handle) error

	// Close releases the backend and all remaining sessions.
	Close() error
}
