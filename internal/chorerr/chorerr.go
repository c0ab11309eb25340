// Package chorerr defines the error taxonomy used across every component:
// validation, conflict, not-found, capacity, upstream, and internal.
package chorerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a machine-readable error classification.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindCapacity   Kind = "capacity"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Error is the common shape for every typed error this module returns.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func Validation(msg string) error               { return newErr(KindValidation, msg, nil) }
func Validationf(format string, a ...any) error  { return newErr(KindValidation, fmt.Sprintf(format, a...), nil) }
func Conflict(msg string) error                  { return newErr(KindConflict, msg, nil) }
func Conflictf(format string, a ...any) error     { return newErr(KindConflict, fmt.Sprintf(format, a...), nil) }
func NotFound(msg string) error                  { return newErr(KindNotFound, msg, nil) }
func NotFoundf(format string, a ...any) error     { return newErr(KindNotFound, fmt.Sprintf(format, a...), nil) }
func Internal(msg string, cause error) error     { return newErr(KindInternal, msg, cause) }

// Capacity reports a resource exhausted condition; retryAfter may be zero
// when the caller has no better estimate than "try again".
func Capacity(msg string, retryAfter time.Duration) error {
	return &Error{Kind: KindCapacity, Message: msg, RetryAfter: retryAfter}
}

// Upstream wraps an error surfaced by an out-of-process collaborator
// (the agent runtime, the messenger API).
func Upstream(msg string, cause error) error {
	return &Error{Kind: KindUpstream, Message: msg, Cause: cause}
}

// Is reports whether err (or any error it wraps) has the given Kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
