// Package apperr defines the typed errors shared by the check-in and sync components.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry decisions and HTTP mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindConflict
	KindValidation
	KindTransient
	KindUnavailable
	KindUnauthorized
	KindForbidden
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindUnavailable:
		return "unavailable"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	}
	return "internal"
}

// Stable error codes returned to clients.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeAlreadyCheckedIn = "ALREADY_CHECKED_IN"
	CodeNotCheckedIn     = "NOT_CHECKED_IN"
	CodeValidation       = "VALIDATION_FAILED"
	CodeTransient        = "TRANSIENT"
	CodeRetryExhausted   = "RETRY_EXHAUSTED"
	CodeSyncFailed       = "SYNC_FAILED"
	CodeInternal         = "INTERNAL"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeForbidden        = "FORBIDDEN"
	CodeEventCodeTaken   = "EVENT_CODE_TAKEN"
	CodeRowMoved         = "ROSTER_ROW_MOVED"
)

// Error is a classified failure with optional client-facing context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// With returns a copy of e carrying an extra context value.
func (e *Error) With(key string, value any) *Error {
	cp := *e
	cp.Context = make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		cp.Context[k] = v
	}
	cp.Context[key] = value
	return &cp
}

// New creates an Error.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies err under kind.
func Wrap(err error, kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

// NotFound reports a missing entity.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf(format, args...))
}

// Validation reports malformed input.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, CodeValidation, fmt.Sprintf(format, args...))
}

// Transient marks err as safe to retry.
func Transient(err error, message string) *Error {
	return Wrap(err, KindTransient, CodeTransient, message)
}

// Internal marks err as a non-retryable failure.
func Internal(err error, message string) *Error {
	return Wrap(err, KindInternal, CodeInternal, message)
}

// As extracts an *Error from the chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of err; unclassified errors are internal.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the stable code of err.
func CodeOf(err error) string {
	if e, ok := As(err); ok && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
