package coordinator

import "triones-go-home/internal/driver"

// Device is one registered light. The handle is the live driver session;
// nil means disconnected. Devices are owned by the Registry and only touched
// under its lock.
type Device struct {
	address string
	handle  driver.Handle
}

// Address returns the canonical hardware address.
func (d *Device) Address() string { return d.address }

// Connected reports whether the device holds a driver session.
func (d *Device) Connected() bool { return d.handle != nil }

// DeviceState is a point-in-time copy of a registry entry.
type DeviceState struct {
	Index     int    `json:"index"`
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}
