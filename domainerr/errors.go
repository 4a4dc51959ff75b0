// Package domainerr classifies failures of the Messages domain so that bus
// handlers can map them to replies without inspecting error strings.
package domainerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind int

const (
	Internal Kind = iota
	Unauthorized
	MalformedInput
	RemoteTimeout
	RemoteFailure
	PartialResolutionFailure
	ConsistencyViolation
	UnknownTransactionKind
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case MalformedInput:
		return "malformed_input"
	case RemoteTimeout:
		return "remote_timeout"
	case RemoteFailure:
		return "remote_failure"
	case PartialResolutionFailure:
		return "partial_resolution_failure"
	case ConsistencyViolation:
		return "consistency_violation"
	case UnknownTransactionKind:
		return "unknown_transaction_kind"
	default:
		return "internal"
	}
}

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New creates a classified error with a formatted cause.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil error stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the kind of the first classified error in the chain, or
// Internal when none is present.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
