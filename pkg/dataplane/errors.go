package dataplane

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Get when the SDN controller responds 404; it
// distinguishes "not yet present" (retry/poll territory) from a transport
// failure.
var ErrNotFound = errors.New("dataplane: resource not found")

// ErrConfirmTimeout is returned by Poll when a write could not be confirmed
// present in the operational store within the configured retry budget. It
// is the trigger for a PartialAllocation outcome at the admission layer
// (spec.md §7, §9).
type ErrConfirmTimeout struct {
	Operation string
	Attempts  int
}

func (e *ErrConfirmTimeout) Error() string {
	return fmt.Sprintf("dataplane: %s not confirmed after %d attempts", e.Operation, e.Attempts)
}
