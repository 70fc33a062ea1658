package orderflow

import (
	"errors"
	"fmt"
)

// ErrInvalidState indicates an operation was requested for an order whose
// current status does not permit it (e.g. cancelling an order that is
// already paid or still being placed).
var ErrInvalidState = errors.New("order is not in a cancellable state")

// ErrStepNotFound indicates that a step with the given name was not found
// in the registry.
var ErrStepNotFound = errors.New("step not found")

// StepError represents an error produced by a saga step's forward execution.
type StepError struct {
	error
}

// Unwrap exposes the wrapped error for errors.Is / errors.As.
func (e *StepError) Unwrap() error { return e.error }

// NewStepError wraps a step-provided error in a StepError.
func NewStepError(err error) error {
	return &StepError{fmt.Errorf("step failed: %w", err)}
}

// PermanentError marks an error as non-retryable. The orchestrator stops
// retrying a step as soon as its error is permanent and moves straight to
// compensation: business rejections (unknown product, insufficient stock,
// declined payment) never heal with a retry.
type PermanentError struct {
	error
}

// Unwrap exposes the wrapped error for errors.Is / errors.As.
func (e *PermanentError) Unwrap() error { return e.error }

// Permanent wraps err so that IsPermanent(err) reports true.
func Permanent(err error) error {
	return &PermanentError{err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// CompensationError represents an error produced by a failed compensating
// step. Compensation failures are never dropped: the saga that hit one is
// parked in StatusNeedsAttention for operator intervention.
type CompensationError struct {
	error
}

// Unwrap exposes the wrapped error for errors.Is / errors.As.
func (e *CompensationError) Unwrap() error { return e.error }

// CompensationFailed wraps an error from a compensating step.
func CompensationFailed(err error) error {
	return &CompensationError{fmt.Errorf("compensation failed permanently: %w", err)}
}
