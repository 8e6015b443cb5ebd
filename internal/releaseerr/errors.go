// Package releaseerr provides the structured error taxonomy used across the
// release control plane: a small string-coded enum plus a wrapping error type
// that carries the code, a human message, and an optional cause.
package releaseerr

import (
	"errors"
	"fmt"
)

// Code identifies the class of failure. Codes are string-based so they
// serialize naturally to JSON and stay meaningful in logs.
type Code string

const (
	// CodeValidation indicates malformed or missing input. No state mutation
	// occurs before this is returned.
	CodeValidation Code = "VALIDATION"

	// CodeNotFound indicates a referenced artifact, annotation, destination,
	// or staging session does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeConflict indicates a uniqueness or lock conflict: duplicate upload,
	// duplicate annotation, lock held by another holder, mismatched unlock.
	CodeConflict Code = "CONFLICT"

	// CodeUnknownDriver indicates a destination's (organisation,name,version)
	// triple has no registered driver.
	CodeUnknownDriver Code = "UNKNOWN_DRIVER"

	// CodeDriverFailure indicates a driver invocation failed: non-zero
	// subprocess exit, missing templated directory, filesystem error.
	CodeDriverFailure Code = "DRIVER_FAILURE"

	// CodeDatabase indicates the persistence gateway could not complete an
	// operation (connection lost, transaction aborted).
	CodeDatabase Code = "DATABASE_ERROR"

	// CodeInternal is the catch-all for unexpected failures that don't fit
	// any of the above.
	CodeInternal Code = "INTERNAL_ERROR"
)

// Error wraps a Code with a message and optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an *Error carrying cause, or nil if cause is nil.
func Wrap(code Code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to CodeInternal if err is
// not (or does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
