package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and presentation decisions.
type Kind string

const (
	// KindTransient network or route target unreachable; retry with backoff
	KindTransient Kind = "TransientTransportFailure"
	// KindValidation malformed request body or query; no retry
	KindValidation Kind = "ValidationFailure"
	// KindUnavailable metadata or schedule store unreachable; degraded response
	KindUnavailable Kind = "DependencyUnavailable"
	// KindHandlerFault unexpected internal error inside a handler
	KindHandlerFault Kind = "HandlerFault"
)

// Error is a classified error. Op names the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a TransientTransportFailure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Validation builds a ValidationFailure from a message.
func Validation(op string, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Unavailable wraps err as a DependencyUnavailable.
func Unavailable(op string, err error) error {
	return &Error{Kind: KindUnavailable, Op: op, Err: err}
}

// HandlerFault wraps err as a HandlerFault.
func HandlerFault(op string, err error) error {
	return &Error{Kind: KindHandlerFault, Op: op, Err: err}
}

// KindOf returns the outermost classification in err's chain, or "" when
// err is unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
