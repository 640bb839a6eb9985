// Package scheduling holds the error taxonomy shared by the booking core.
package scheduling

import (
	"errors"
	"fmt"
)

// Code is the stable, caller-visible classification of a failure.
type Code string

const (
	CodeValidation  Code = "validation_error"
	CodeConflict    Code = "conflict"
	CodeNotFound    Code = "not_found"
	CodeState       Code = "state_error"
	CodeCalculation Code = "calculation_error"
	CodeExternal    Code = "external_service_error"
	CodeForbidden   Code = "forbidden"
	CodeInternal    Code = "internal_error"
)

// Error is returned by every core operation that fails for a domain reason.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code so errors.Is(err, &Error{Code: CodeConflict}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// Retryable reports whether the caller may retry the same request unchanged.
func (e *Error) Retryable() bool {
	return e.Code == CodeExternal
}

func newError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validation reports malformed or missing input.
func Validation(format string, args ...any) *Error {
	return newError(CodeValidation, nil, format, args...)
}

// Conflict reports a slot that is already booked.
func Conflict(format string, args ...any) *Error {
	return newError(CodeConflict, nil, format, args...)
}

// NotFound reports an unknown doctor, patient, appointment or policy.
func NotFound(format string, args ...any) *Error {
	return newError(CodeNotFound, nil, format, args...)
}

// StateErr reports an illegal lifecycle transition.
func StateErr(format string, args ...any) *Error {
	return newError(CodeState, nil, format, args...)
}

// Calculation reports a fee that is missing, non-finite or negative.
func Calculation(format string, args ...any) *Error {
	return newError(CodeCalculation, nil, format, args...)
}

// External wraps a failure from the notification transport or payment gateway.
func External(cause error, format string, args ...any) *Error {
	return newError(CodeExternal, cause, format, args...)
}

// Forbidden reports a requester that neither owns the appointment nor is its doctor.
func Forbidden(format string, args ...any) *Error {
	return newError(CodeForbidden, nil, format, args...)
}

// Internal wraps an unexpected persistence failure.
func Internal(cause error, format string, args ...any) *Error {
	return newError(CodeInternal, cause, format, args...)
}

// CodeOf extracts the code of err, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
