package domain

import "errors"

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidJobType is returned for a type outside the supported set
	ErrInvalidJobType = errors.New("invalid job type")

	// ErrInvalidStatusUpdate is returned when a status update breaks the
	// result/error rules of the target status
	ErrInvalidStatusUpdate = errors.New("invalid status update")

	// ErrEnqueueFailed means the record exists but its message never reached the broker
	ErrEnqueueFailed = errors.New("failed to enqueue job")

	// ErrUserNotAllowed is returned when the identity service rejects the caller
	ErrUserNotAllowed = errors.New("user is not allowed to create jobs")
)
