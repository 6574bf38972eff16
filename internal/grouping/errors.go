package grouping

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDimensions is returned when a key builder or registry is
	// configured without any grouping dimension.
	ErrNoDimensions = errors.New("grouping: no grouping dimensions configured")
	// ErrUnknownDimension is returned when a dimension name cannot be parsed.
	ErrUnknownDimension = errors.New("grouping: unknown grouping dimension")
	// ErrDuplicateDimension is returned when a dimension is listed twice.
	ErrDuplicateDimension = errors.New("grouping: duplicate grouping dimension")
	// ErrInvalidConfig covers negative thresholds and a missing flush func.
	ErrInvalidConfig = errors.New("grouping: invalid configuration")
	// ErrNilError is returned when a nil error is added.
	ErrNilError = errors.New("grouping: nil error")
	// ErrGroupNotFound is returned by Registry.Flush for an unknown key.
	ErrGroupNotFound = errors.New("grouping: group not found")

	errGroupRetired = errors.New("grouping: group retired")
)

// CallbackError wraps a failure returned (or panicked) by a FlushFunc. The
// group has already been cleared when this is reported; the batch is not
// retried.
type CallbackError struct {
	Key     string
	Trigger Trigger
	Count   int
	Err     error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("grouping: %s flush of group %q (%d errors): %v", e.Trigger, e.Key, e.Count, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
