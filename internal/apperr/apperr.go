// Package apperr carries the error taxonomy shared by every service. Callers decide
// retry-ability and HTTP status from the Kind, never from the message text.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindBusinessRule
	KindForbidden
	KindNotFound
	KindIntegrity
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION_ERROR"
	case KindBusinessRule:
		return "BUSINESS_RULE_VIOLATION"
	case KindForbidden:
		return "FORBIDDEN"
	case KindNotFound:
		return "NOT_FOUND"
	case KindIntegrity:
		return "INTEGRITY_ERROR"
	case KindTransient:
		return "TRANSIENT_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus maps a kind to the status code returned by the HTTP surfaces.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindIntegrity:
		return http.StatusBadRequest
	case KindBusinessRule:
		return http.StatusConflict
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a payload (failed lines, current status) surfaced to the caller.
func (e *Error) WithDetails(d any) *Error {
	e.Details = d
	return e
}

// Wrap records cause as the underlying error so errors.Is keeps working on sentinels.
func (e *Error) Wrap(cause error) *Error {
	e.Err = cause
	return e
}

func newf(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func Business(format string, args ...any) *Error   { return newf(KindBusinessRule, format, args...) }
func Forbidden(format string, args ...any) *Error  { return newf(KindForbidden, format, args...) }
func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Integrity(format string, args ...any) *Error  { return newf(KindIntegrity, format, args...) }

func Transient(cause error, format string, args ...any) *Error {
	return newf(KindTransient, format, args...).Wrap(cause)
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func Is(err error, k Kind) bool { return err != nil && KindOf(err) == k }

// DetailsOf returns the details of the first *Error in err's chain.
func DetailsOf(err error) any {
	var e *Error
	if errors.As(err, &e) {
		return e.Details
	}
	return nil
}

// PublicMessage is what may be shown to a caller: the message without its wrapped cause.
// Integrity and unknown errors never expose their internals.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindIntegrity:
		return "invalid checksum"
	case KindUnknown:
		return "internal error"
	default:
		return e.Message
	}
}
