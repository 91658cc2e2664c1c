package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for propagation policy: validation and
// permanent errors surface to the caller, transient errors are retried
// internally, capacity shows up as queue state, invariant violations are
// logged fatally and trigger reconciliation.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindCapacity   ErrorKind = "capacity"
	KindTransient  ErrorKind = "transient"
	KindPermanent  ErrorKind = "permanent"
	KindInvariant  ErrorKind = "invariant"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error.
func NewError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the classification of err, defaulting to permanent.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}

// Retriable reports whether err should be retried internally.
func Retriable(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	// ErrStaleTransition is returned when a transit loses the
	// compare-and-set race on the status version. The caller must
	// reload and retry or abort.
	ErrStaleTransition = errors.New("stale transition: status version mismatch")

	// ErrInvalidTransition is returned for edges not declared in the
	// state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleToken is returned when a write carries a fenced token
	// older than the newest lease observed for the resource group.
	ErrStaleToken = errors.New("stale fenced token")
)
