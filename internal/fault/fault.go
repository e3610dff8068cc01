// Package fault defines the error taxonomy shared across the memory core.
package fault

import (
	"errors"
	"fmt"
)

// ErrNotFound marks an absent session or user. Callers treat it as
// recoverable and create fresh state.
var ErrNotFound = errors.New("not found")

// StorageError wraps an I/O failure at the persistence boundary. The store
// retries with backoff before surfacing one of these.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StructuralViolation is an invariant breach in a turn sequence. It is routed
// to the recovery coordinator and never surfaced raw to the end user.
type StructuralViolation struct {
	SessionID string
	Reason    string
}

func (e *StructuralViolation) Error() string {
	return fmt.Sprintf("structural violation in session %s: %s", e.SessionID, e.Reason)
}

// CapabilityError wraps a collaborator failure (generation, embedding,
// extraction, device control). Memory-side capability errors are logged and
// suppressed; turn-side ones surface to the caller.
type CapabilityError struct {
	Capability string
	Err        error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s capability: %v", e.Capability, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStructural reports whether err carries a StructuralViolation.
func IsStructural(err error) bool {
	var sv *StructuralViolation
	return errors.As(err, &sv)
}

// IsStorage reports whether err carries a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsCapability reports whether err carries a CapabilityError.
func IsCapability(err error) bool {
	var ce *CapabilityError
	return errors.As(err, &ce)
}
