package ticket

import "errors"

var (
	// ErrNotFound is returned when a ticket does not exist.
	ErrNotFound = errors.New("ticket not found")

	// ErrReservation marks a failure to obtain resources.
	ErrReservation = errors.New("resource reservation failed")

	// ErrRejected marks an approval that was rejected.
	ErrRejected = errors.New("rejected")

	// ErrNotRetryable is returned when the current flow cannot be retried.
	ErrNotRetryable = errors.New("flow is not retryable")

	// ErrInvalidState is returned when a callback does not match the current flow.
	ErrInvalidState = errors.New("invalid ticket state")

	// ErrUnknownTicketType is returned for a ticket type with no registered plan.
	ErrUnknownTicketType = errors.New("unknown ticket type")

	// ErrUnknownPipeline is returned for a pipeline name with no registered factory.
	ErrUnknownPipeline = errors.New("unknown pipeline")
)
