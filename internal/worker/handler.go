package worker

import (
	"context"
	"errors"
)

// JobHandler defines the interface that all maintenance jobs must implement.
// Each handler performs one kind of sweep over the credit accounts.
type JobHandler interface {
	// Type returns the job type identifier, used for triggering, logs and metrics.
	Type() string

	// Handle runs one sweep. Returns an error if the run fails. Use
	// NewPermanentError to unschedule the job for the rest of the process
	// lifetime.
	Handle(ctx context.Context) error
}

// PermanentError wraps an error to indicate the job cannot succeed by running again.
// A job that fails with a PermanentError is removed from the schedule.
type PermanentError struct {
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap allows errors.Is and errors.As to work with PermanentError.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError creates a new PermanentError that wraps the given error.
func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is a PermanentError.
// Returns true if the error (or any error it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}
