// Package engineerr defines the error taxonomy shared by every component of
// the workflow engine. Errors are classified by kind rather than by concrete
// Go type so callers can branch on behavior (retry, surface verbatim, back
// off) without depending on which package raised them.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind identifies which bucket of the taxonomy an error belongs to.
type Kind string

const (
	KindValidation Kind = "ValidationError"
	KindConflict   Kind = "ConflictError"
	KindNotFound   Kind = "NotFoundError"
	KindExecutor   Kind = "ExecutorError"
	KindTimeout    Kind = "TimeoutError"
	KindTemplate   Kind = "TemplateError"
	KindStorage    Kind = "StorageError"
)

// Error is the common shape every taxonomy error satisfies.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Wrapped   error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Is allows errors.Is(err, engineerr.ErrNotFound) style sentinel checks by
// comparing kinds, not identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

func newErr(kind Kind, retryable bool, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

func wrap(kind Kind, retryable bool, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable, Wrapped: err}
}

func Validation(format string, args ...interface{}) *Error { return newErr(KindValidation, false, format, args...) }
func Conflict(format string, args ...interface{}) *Error   { return newErr(KindConflict, false, format, args...) }
func NotFound(format string, args ...interface{}) *Error   { return newErr(KindNotFound, false, format, args...) }
func Template(format string, args ...interface{}) *Error   { return newErr(KindTemplate, false, format, args...) }

func Timeout(format string, args ...interface{}) *Error {
	return newErr(KindTimeout, true, format, args...)
}

func Executor(retryable bool, format string, args ...interface{}) *Error {
	return newErr(KindExecutor, retryable, format, args...)
}

func Storage(err error, format string, args ...interface{}) *Error {
	return wrap(KindStorage, true, err, format, args...)
}

// WrapConflict and WrapNotFound let callers preserve an underlying cause
// while still classifying the result.
func WrapConflict(err error, format string, args ...interface{}) *Error {
	return wrap(KindConflict, false, err, format, args...)
}

func WrapNotFound(err error, format string, args ...interface{}) *Error {
	return wrap(KindNotFound, false, err, format, args...)
}

// IsKind reports whether err (or something it wraps) carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether err is classified as retryable. Errors outside
// the taxonomy are treated as non-retryable.
func Retryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
