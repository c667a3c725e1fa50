package engine

import (
	"errors"
	"fmt"
)

// Error represents a rejected or failed engine operation.
//
// Errors include:
//   - Session state: nothing loaded, confirmation already in flight
//   - Gate: confirmation blocked or warnings not acknowledged
//   - Remote: plan fetch or commit failed
//
// Error includes structured fields so callers can branch on Code.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Operation is the operation reference, when one is loaded.
	Operation string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeNotLoaded indicates no operation is loaded.
	ErrCodeNotLoaded ErrorCode = "NOT_LOADED"

	// ErrCodeSubmitting indicates a confirmation is already in flight.
	ErrCodeSubmitting ErrorCode = "SUBMITTING"

	// ErrCodeGateClosed indicates the confirmation gate is closed
	// (scans paused or every targeted group is read-only).
	ErrCodeGateClosed ErrorCode = "GATE_CLOSED"

	// ErrCodeUnacknowledged indicates warnings exist and were not acknowledged.
	ErrCodeUnacknowledged ErrorCode = "UNACKNOWLEDGED"

	// ErrCodeNothingToCommit indicates no targeted group has counted items.
	ErrCodeNothingToCommit ErrorCode = "NOTHING_TO_COMMIT"

	// ErrCodeLocked indicates another process holds the commit lock.
	ErrCodeLocked ErrorCode = "LOCKED"

	// ErrCodeFetchFailed indicates the plan could not be fetched.
	ErrCodeFetchFailed ErrorCode = "FETCH_FAILED"

	// ErrCodeCommitFailed indicates the remote adjustment failed.
	ErrCodeCommitFailed ErrorCode = "COMMIT_FAILED"
)

// Sentinels for errors.Is; matching is by Code.
var (
	ErrNotLoaded      = &Error{Code: ErrCodeNotLoaded, Message: "no operation loaded"}
	ErrSubmitting     = &Error{Code: ErrCodeSubmitting, Message: "confirmation already in flight"}
	ErrLocked         = &Error{Code: ErrCodeLocked, Message: "operation is being committed elsewhere"}
	ErrUnacknowledged = &Error{Code: ErrCodeUnacknowledged, Message: "warnings must be acknowledged"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Operation != "" {
		msg += " (operation=" + e.Operation + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newError(code ErrorCode, op, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Operation: op, Err: err}
}

// IsGateError returns true if the confirmation was refused before any
// remote call. Uses errors.As to handle wrapped errors.
func IsGateError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Code {
	case ErrCodeSubmitting, ErrCodeGateClosed, ErrCodeUnacknowledged, ErrCodeNothingToCommit, ErrCodeLocked:
		return true
	}
	return false
}

// IsCommitError returns true if the remote adjustment failed. The draft is
// kept and the confirmation can be retried.
func IsCommitError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == ErrCodeCommitFailed
}
