package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable error classification surfaced on
// failed jobs and submit rejections.
type ErrorKind string

const (
	KindInsufficientCredit ErrorKind = "insufficient_credit"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindExternalFailure    ErrorKind = "external_failure"
	KindTimeout            ErrorKind = "timeout"
	KindInternalError      ErrorKind = "internal_error"
	KindNotFound           ErrorKind = "not_found"
)

var (
	// ErrJobNotFound is returned when a job id resolves to no store row.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned when an operation targets a job that has
	// already reached a terminal state.
	ErrJobTerminal = errors.New("job already in terminal state")

	// ErrTransitionConflict is returned when a compare-and-swap status
	// transition loses the race to a concurrent transition.
	ErrTransitionConflict = errors.New("status transition conflict")

	// ErrInsufficientCredit is returned by Reserve when the account balance
	// cannot cover the requested amount.
	ErrInsufficientCredit = errors.New("insufficient credit")
)

// Error carries the error taxonomy: a short machine-readable kind, a
// human-readable message, and a hint telling the user what to do next.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	UserHint string    `json:"user_hint,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewInsufficientCredit builds the submit-time rejection for an account
// that cannot cover the credit cost.
func NewInsufficientCredit(required, available int) *Error {
	return &Error{
		Kind:     KindInsufficientCredit,
		Message:  fmt.Sprintf("need %d credits, %d available", required, available),
		UserHint: "Purchase additional credits and try again.",
	}
}

// NewInvalidInput names the specific constraint the input violated.
func NewInvalidInput(constraint string) *Error {
	return &Error{
		Kind:     KindInvalidInput,
		Message:  constraint,
		UserHint: "Fix the input and submit a new request.",
	}
}

// NewExternalFailure wraps an upstream transformation error.
func NewExternalFailure(err error) *Error {
	return &Error{
		Kind:     KindExternalFailure,
		Message:  err.Error(),
		UserHint: "The transformation service failed. Submit a new request to retry.",
	}
}

// NewTimeout reports a job that exceeded its execution deadline.
func NewTimeout(seconds float64) *Error {
	return &Error{
		Kind:     KindTimeout,
		Message:  fmt.Sprintf("transformation exceeded the %.0fs deadline", seconds),
		UserHint: "Submit a new request to retry.",
	}
}

// NewInternalError reports an unexpected fault inside the subsystem.
func NewInternalError(detail string) *Error {
	return &Error{
		Kind:     KindInternalError,
		Message:  detail,
		UserHint: "If the problem persists, contact support.",
	}
}

// Classify maps an arbitrary execution error to the taxonomy. Timeouts are
// detected via context deadline errors; everything else from the external
// call is an external failure.
func Classify(err error, deadlineSeconds float64) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeout(deadlineSeconds)
	}
	return NewExternalFailure(err)
}
