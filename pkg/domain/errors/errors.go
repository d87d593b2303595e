package domain

import (
	"errors"
	"fmt"
)

// TransportError marks a network or backend failure. Each component decides
// its own policy on top of it: quota checks fail open, trust verification
// fails closed.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func NewTransportError(op string, err error) error {
	return &TransportError{Op: op, Err: err}
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ValidationError is surfaced to the submitter and always blocks the
// submission. Field may be empty for form-level failures.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ExhaustionError is terminal for the gated action: the caller must cancel
// or defer, never retry automatically.
type ExhaustionError struct {
	ChallengeID string
}

func (e *ExhaustionError) Error() string {
	return fmt.Sprintf("challenge %s: attempts exhausted", e.ChallengeID)
}

// StorageError wraps a local persistence failure. Callers treat the record
// as empty and log; this error never propagates past the limiter.
type StorageError struct {
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure for %q: %v", e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrStaleState is returned when a tick or call lands on a component that
// was already stopped or whose session was torn down.
var ErrStaleState = errors.New("component stopped or session torn down")
