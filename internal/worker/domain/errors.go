package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidJobType is returned when a message names a type the worker cannot run
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrInvalidPayload is returned when a payload fails type-specific validation
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrMalformedMessage is returned when a delivery body cannot be decoded
	ErrMalformedMessage = errors.New("malformed job message")
)

// ComputationError is a failed job execution. Message is what gets reported
// to the job store as the job's error.
type ComputationError struct {
	JobType string
	Message string
	Err     error
}

func (e *ComputationError) Error() string {
	return e.Message
}

func (e *ComputationError) Unwrap() error {
	return e.Err
}

// NewComputationError creates a computation error for jobType
func NewComputationError(jobType string, err error, message string) error {
	return &ComputationError{JobType: jobType, Message: message, Err: err}
}

// ReportError wraps a failed status update sent to the job store.
// StatusCode is zero when no response was received.
type ReportError struct {
	JobID      string
	Status     string
	StatusCode int
	Err        error
}

func (e *ReportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to report status %s for job %s: http %d: %v", e.Status, e.JobID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("failed to report status %s for job %s: %v", e.Status, e.JobID, e.Err)
}

func (e *ReportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the same update could succeed.
// Client errors (4xx) other than 408 and 429 are permanent.
func (e *ReportError) Temporary() bool {
	if e.StatusCode == 0 || e.StatusCode >= 500 {
		return true
	}
	return e.StatusCode == 408 || e.StatusCode == 429
}
