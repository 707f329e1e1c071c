package flowctx

import "errors"

var (
	// ErrMissingKey is returned when a requested key has no value.
	ErrMissingKey = errors.New("missing key")

	// ErrModeMismatch is returned when a key written in one mode is used in the other.
	ErrModeMismatch = errors.New("write mode mismatch")
)
