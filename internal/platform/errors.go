package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies remote failures.
type ErrorKind string

const (
	// KindCapabilityUnsupported means the remote does not offer the mutation
	// or one of its fields. Callers fall back to an alternative mutation.
	KindCapabilityUnsupported ErrorKind = "CAPABILITY_UNSUPPORTED"
	// KindQuantityBounds means a quantity exceeded what the remote accepts.
	KindQuantityBounds ErrorKind = "QUANTITY_BOUNDS"
	// KindCompareMismatch means an optimistic compare guard failed.
	KindCompareMismatch ErrorKind = "COMPARE_MISMATCH"
	KindNotFound        ErrorKind = "NOT_FOUND"
	KindTransient       ErrorKind = "TRANSIENT"
	KindUnknown         ErrorKind = "UNKNOWN"
)

// RemoteError is a failed collaborator call.
type RemoteError struct {
	Kind    ErrorKind
	Op      string
	Message string
	// Items lists per-item failures when the remote reported them.
	Items []ItemError
	Err   error
}

func (e *RemoteError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// NewError creates a RemoteError.
func NewError(kind ErrorKind, op, msg string) *RemoteError {
	return &RemoteError{Kind: kind, Op: op, Message: msg}
}

// KindOf returns the kind of err, or "" when err is not a RemoteError.
func KindOf(err error) ErrorKind {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

func IsCapabilityUnsupported(err error) bool { return KindOf(err) == KindCapabilityUnsupported }
func IsQuantityBounds(err error) bool        { return KindOf(err) == KindQuantityBounds }
func IsCompareMismatch(err error) bool       { return KindOf(err) == KindCompareMismatch }
func IsNotFound(err error) bool              { return KindOf(err) == KindNotFound }

// Classify turns a transport error into a RemoteError by inspecting the
// message the remote returned. It is meant for transport adapters only; the
// rest of the system switches on Kind. Errors that already carry a kind pass
// through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}
	msg := strings.ToLower(err.Error())
	kind := KindUnknown
	switch {
	case containsAny(msg, "doesn't exist", "does not exist", "unknown field", "undefined field", "undefined", "not supported"):
		kind = KindCapabilityUnsupported
	case containsAny(msg, "exceeds", "cannot be greater", "must be less than", "out of bounds", "too large"):
		kind = KindQuantityBounds
	case containsAny(msg, "compare quantity", "comparequantity", "stale", "changed since"):
		kind = KindCompareMismatch
	case containsAny(msg, "not found"):
		kind = KindNotFound
	case containsAny(msg, "timeout", "timed out", "throttled", "temporarily", "connection reset"):
		kind = KindTransient
	}
	return &RemoteError{Kind: kind, Op: op, Message: err.Error(), Err: err}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
