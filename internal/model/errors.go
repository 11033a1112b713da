package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned when a job id was already accepted within the
	// idempotency window.
	ErrDuplicateJob = errors.New("duplicate job_id")
	// ErrQueueFull is returned when the engine queue cannot take another job.
	ErrQueueFull = errors.New("job queue is full")
	// ErrClosed is returned once the engine has stopped accepting jobs.
	ErrClosed = errors.New("engine is shut down")
)

// ValidationError reports a job or reply that violates the protocol: missing
// required fields, a payload that does not match its kind, or a follow-up list
// over the cap.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// ConnectivityError reports that the external agent could not be reached or
// its surface could not be focused. It is never retried.
type ConnectivityError struct {
	Stage    string // "connect" or "focus"
	Endpoint string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connectivity error: %s %s: %v", e.Stage, e.Endpoint, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsConnectivity reports whether err carries a ConnectivityError.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}
