// Package dmaerrors provides the error taxonomy shared by the benchmark
// harness. Every failure surfaced to the command line carries one of the
// codes below so callers can branch with errors.Is.
package dmaerrors

import (
	"errors"
	"fmt"
)

// Code classifies a benchmark failure.
type Code string

// Error codes.
const (
	CodeConfiguration Code = "ConfigurationError"
	CodeResource      Code = "ResourceError"
	CodeIO            Code = "IOError"
	CodeEngineTask    Code = "EngineTaskError"
	CodeNotification  Code = "NotificationError"
)

// BenchError is a classified harness error with optional operation context
// and an underlying cause.
type BenchError struct {
	Code    Code
	Message string
	Op      string
	Err     error
}

// Error implements the error interface.
func (e BenchError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s (op: %s)", e.Code, e.Message, e.Op)
	}

	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}

	return msg
}

// Unwrap returns the underlying cause.
func (e BenchError) Unwrap() error {
	return e.Err
}

// Is implements error matching for errors.Is(). Two BenchErrors match when
// their codes are equal.
func (e BenchError) Is(target error) bool {
	if t, ok := target.(BenchError); ok {
		return e.Code == t.Code
	}

	return false
}

// WithOp returns a copy of the error with the operation field set.
func (e BenchError) WithOp(op string) BenchError {
	e.Op = op
	return e
}

// WithMessage returns a copy of the error with a custom message.
func (e BenchError) WithMessage(message string) BenchError {
	e.Message = message
	return e
}

// Wrap returns a copy of the error carrying err as its cause.
func (e BenchError) Wrap(err error) BenchError {
	e.Err = err
	return e
}

// CodeOf reports the code of the first BenchError in err's chain.
func CodeOf(err error) (Code, bool) {
	var be BenchError
	if errors.As(err, &be) {
		return be.Code, true
	}

	return "", false
}

// Base errors, one per code. Use the With* helpers to add context.
var (
	// ErrConfiguration is returned for invalid or inconsistent settings.
	ErrConfiguration = BenchError{
		Code:    CodeConfiguration,
		Message: "invalid configuration",
	}

	// ErrResource is returned when an engine resource cannot be acquired
	// or released.
	ErrResource = BenchError{
		Code:    CodeResource,
		Message: "engine resource failure",
	}

	// ErrIO is returned when a descriptor artifact cannot be read or written.
	ErrIO = BenchError{
		Code:    CodeIO,
		Message: "descriptor artifact failure",
	}

	// ErrEngineTask is returned when the engine rejects a submission or
	// leaves the running state mid-run.
	ErrEngineTask = BenchError{
		Code:    CodeEngineTask,
		Message: "engine task failure",
	}

	// ErrNotification is returned when arming, waiting on, or clearing
	// the completion notifier fails.
	ErrNotification = BenchError{
		Code:    CodeNotification,
		Message: "completion notification failure",
	}
)
