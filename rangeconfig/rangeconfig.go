// Package rangeconfig defines the process-local persisted configuration used
// by the serial allocator to carry its range boundaries across restarts.
package rangeconfig

import "errors"

// ErrNotFound is returned by GetString for a key that has never been set.
var ErrNotFound = errors.New("config key not found")

// Store is a small durable string key/value store. Writes are staged by
// PutString and made durable by Commit, so a multi-key range switch lands
// atomically or not at all.
type Store interface {
	GetString(name string) (string, error)
	PutString(name, value string) error
	Commit() error
}
