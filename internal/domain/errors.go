package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrRecordNotFound   = errors.New("reconciliation record not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrNotActivated     = errors.New("provider registry has not been activated")
)

// DuplicateProviderError is returned when a provider name is registered twice.
type DuplicateProviderError struct {
	Name string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %q is already registered", e.Name)
}

// ActivationError is returned when the configured provider set cannot be
// activated: no usable primary, an ambiguous primary, or a primary that
// cannot supply role information.
type ActivationError struct {
	Reason string
}

func (e *ActivationError) Error() string {
	return "provider activation failed: " + e.Reason
}

// RecordStateError is returned when a reconciliation operation is applied
// to a record in the wrong lifecycle state, such as requeueing a record
// that was never dead-lettered.
type RecordStateError struct {
	ID     string
	Status RecordStatus
	Op     string
}

func (e *RecordStateError) Error() string {
	return fmt.Sprintf("cannot %s record %s in state %q", e.Op, e.ID, e.Status)
}
