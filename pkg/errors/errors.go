package errors

import (
	"net/http"

	"github.com/cockroachdb/errors"
)

// Kind classifies an error for protocol mapping. Every kind translates to a
// distinct HTTP status code with a structured {error, detail} body.
type Kind string

const (
	BadRequest          Kind = "BadRequest"
	Unauthorized        Kind = "Unauthorized"
	NotFound            Kind = "NotFound"
	JobNotOwned         Kind = "JobNotOwned"
	WorkerUnknown       Kind = "WorkerUnknown"
	BadBundle           Kind = "BadBundle"
	StoreUnavailable    Kind = "StoreUnavailable"
	SandboxLaunchFailed Kind = "SandboxLaunchFailed"
	SandboxTimedOut     Kind = "SandboxTimedOut"
	Cancelled           Kind = "Cancelled"
	RateLimited         Kind = "RateLimited"
	Internal            Kind = "Internal"
)

// HTTPStatus returns the status code a handler uses for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case BadRequest, BadBundle:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case JobNotOwned:
		return http.StatusForbidden
	case NotFound, WorkerUnknown:
		return http.StatusNotFound
	case Cancelled:
		return http.StatusConflict
	case RateLimited:
		return http.StatusTooManyRequests
	case StoreUnavailable:
		return http.StatusServiceUnavailable
	case SandboxTimedOut:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// New creates a kinded error from a message.
func (k Kind) New(msg string) error {
	return &kindError{kind: k, err: errors.New(msg)}
}

// Newf creates a kinded error from a format string.
func (k Kind) Newf(format string, args ...interface{}) error {
	return &kindError{kind: k, err: errors.Newf(format, args...)}
}

// Wrap annotates err with a message and this kind. Wrapping nil returns nil.
func (k Kind) Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: k, err: errors.Wrap(err, msg)}
}

// Wrapf annotates err with a formatted message and this kind.
func (k Kind) Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: k, err: errors.Wrapf(err, format, args...)}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// KindOf extracts the innermost explicitly attached kind from an error
// chain, or Internal when none was set.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Internal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, k Kind) bool {
	var ke *kindError
	return errors.As(err, &ke) && ke.kind == k
}

// Re-exports so callers need only this package.

// New creates an error with a stack trace.
func New(msg string) error { return errors.New(msg) }

// Newf creates a formatted error with a stack trace.
func Newf(format string, args ...interface{}) error { return errors.Newf(format, args...) }

// Wrap annotates err with a message, preserving the chain.
func Wrap(err error, msg string) error { return errors.Wrap(err, msg) }

// Wrapf annotates err with a formatted message, preserving the chain.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Is reports whether any error in the chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in the chain matching target's type.
func As(err error, target interface{}) bool { return errors.As(err, target) }
