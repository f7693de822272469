package coordinator

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidAddress is returned for text that is not a hardware address.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrDuplicateAddress is returned when the address is already registered.
	ErrDuplicateAddress = errors.New("duplicate address")
	// ErrNotFound is returned when no registered device has the address.
	ErrNotFound = errors.New("device not found")

	errNoConnection = errors.New("driver returned no connection")
)

// DriverError is a per-device failure from a bulk operation. It is only ever
// carried inside a Report.
type DriverError struct {
	Op      string
	Address string
	Err     error
}

func (e *DriverError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// SaveError records a failed store write. The registry keeps the in-memory
// change and reports the last failure through SaveHealth.
type SaveError struct {
	Time time.Time
	Err  error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save device list: %v", e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }
