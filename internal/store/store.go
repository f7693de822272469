package store

import "errors"

// ErrNotFound is returned by Load when nothing has been persisted yet.
var ErrNotFound = errors.New("not found")

// Store persists the ordered device list. Connection state is never stored.
type Store interface {
	// Load returns the persisted records in saved order. A store that has
	// never been written returns ErrNotFound.
	Load() ([]Record, error)

	// Save replaces the persisted list with records.
	Save(records []Record) error

	Close() error
}
