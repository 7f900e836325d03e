package model

import (
	"errors"
	"fmt"
)

// Code categorizes errors surfaced to callers.
type Code string

const (
	// CodeInvalidArgument indicates a malformed request.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// CodeNotFound indicates a missing channel, peer or operation.
	CodeNotFound Code = "NOT_FOUND"

	// CodeAlreadyExists indicates a duplicate create or bind.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeFailedPrecondition indicates a cardinality or state rule was violated.
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"

	// CodeCancelled indicates the operation was superseded by a destroy or unbind.
	CodeCancelled Code = "CANCELLED"

	// CodeInternal indicates an unrecoverable failure.
	CodeInternal Code = "INTERNAL"

	// CodeUnauthenticated indicates missing or invalid credentials.
	CodeUnauthenticated Code = "UNAUTHENTICATED"

	// CodePermissionDenied indicates valid credentials without access.
	CodePermissionDenied Code = "PERMISSION_DENIED"
)

// Error is a categorized error. Operations store it as their terminal error.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf creates an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgument(format string, args ...any) *Error {
	return Errorf(CodeInvalidArgument, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return Errorf(CodeNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) *Error {
	return Errorf(CodeAlreadyExists, format, args...)
}

func FailedPrecondition(format string, args ...any) *Error {
	return Errorf(CodeFailedPrecondition, format, args...)
}

func Cancelled(format string, args ...any) *Error {
	return Errorf(CodeCancelled, format, args...)
}

func Internal(format string, args ...any) *Error {
	return Errorf(CodeInternal, format, args...)
}

func Unauthenticated(format string, args ...any) *Error {
	return Errorf(CodeUnauthenticated, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return Errorf(CodePermissionDenied, format, args...)
}

// AsError extracts the categorized error from err.
// Uses errors.As to handle wrapped errors.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the code of err. Uncategorized errors are INTERNAL.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return CodeInternal
}

// IsCategorized reports whether err carries a Code. Uncategorized errors
// are treated as transient by the operation runner.
func IsCategorized(err error) bool {
	_, ok := AsError(err)
	return ok
}

func hasCode(err error, code Code) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsNotFound returns true if err is a NOT_FOUND error.
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsAlreadyExists returns true if err is an ALREADY_EXISTS error.
func IsAlreadyExists(err error) bool { return hasCode(err, CodeAlreadyExists) }

// IsFailedPrecondition returns true if err is a FAILED_PRECONDITION error.
func IsFailedPrecondition(err error) bool { return hasCode(err, CodeFailedPrecondition) }

// IsCancelled returns true if err is a CANCELLED error.
func IsCancelled(err error) bool { return hasCode(err, CodeCancelled) }
