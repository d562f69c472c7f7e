// Package outbox is the device-side offline-first sync engine: a durable
// record store with a sync-status column, a live read model over it, a pure
// queue selector, a delivery executor, and an orchestrator that guarantees at
// most one delivery pass in flight.
package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrStorage marks failures of the local persistence medium. Use
	// errors.Is(err, ErrStorage) to detect "your data was not saved".
	ErrStorage = errors.New("local storage unavailable")

	// ErrNotFound is returned internally when a record disappeared, e.g. a
	// cascading parent delete between selection and delivery.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned by Insert when the id is already taken.
	ErrDuplicateID = errors.New("record id already exists")

	// ErrInvalidTransition is returned for status changes the lifecycle
	// does not allow (e.g. anything out of synced).
	ErrInvalidTransition = errors.New("invalid sync status transition")

	// ErrNotClaimable is returned by Claim when the record is in flight or
	// already synced.
	ErrNotClaimable = errors.New("record not claimable")

	// ErrInvalidRecord is returned by Insert for incomplete input.
	ErrInvalidRecord = errors.New("invalid record")
)

// StorageError wraps a persistence failure with the operation that hit it.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("outbox: %s: %v", e.Op, e.Err)
}

// Unwrap exposes the cause.
func (e *StorageError) Unwrap() error { return e.Err }

// Is makes every StorageError match ErrStorage.
func (e *StorageError) Is(target error) bool { return target == ErrStorage }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}
