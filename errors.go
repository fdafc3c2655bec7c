package pilot

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCategory classifies a failure for routing and exit-code mapping.
type ErrorCategory string

const (
	// CategoryValidation covers bad input, schema mismatches, unknown commands.
	CategoryValidation ErrorCategory = "validation"
	// CategoryConfiguration covers missing components and unknown providers.
	CategoryConfiguration ErrorCategory = "configuration"
	// CategorySystem covers timeouts, cancellation, and internal inconsistency.
	CategorySystem ErrorCategory = "system"
	// CategoryNetwork covers unreachable upstreams and model backend failures.
	CategoryNetwork ErrorCategory = "network"
	// CategoryBusiness covers security blocks and permission denials.
	CategoryBusiness ErrorCategory = "business"
)

// Error codes shared across components. Components may define additional
// codes; these are the ones the dispatcher and CLI interpret.
const (
	CodeTimeout           = "OPERATION_TIMEOUT"
	CodeCancelled         = "CANCELLED"
	CodeValidation        = "VALIDATION"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeInputBlocked      = "INPUT_BLOCKED"
	CodeOutputBlocked     = "OUTPUT_BLOCKED"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeRateLimitBlocked  = "RATE_LIMIT_BLOCKED"
	CodeUnknownCommand    = "UNKNOWN_COMMAND"
	CodeUnknownTool       = "UNKNOWN_TOOL"
	CodeUnknownMode       = "UNKNOWN_MODE"
	CodeProviderFailure   = "PROVIDER_FAILURE"
	CodeExtractionFailed  = "EXTRACTION_FAILED"
	CodeInternal          = "INTERNAL"
)

// Error is the single failure shape that crosses component boundaries.
// Failures are always propagated by return value; nothing in the runtime
// panics across a component seam.
type Error struct {
	Code     string
	Message  string
	Category ErrorCategory
	Context  map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s [%s/%s]", e.Message, e.Category, e.Code)
}

// With attaches a context key to the error and returns it for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Validationf builds a validation-category error.
func Validationf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Category: CategoryValidation}
}

// Configurationf builds a configuration-category error.
func Configurationf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Category: CategoryConfiguration}
}

// Systemf builds a system-category error.
func Systemf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Category: CategorySystem}
}

// Networkf builds a network-category error.
func Networkf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Category: CategoryNetwork}
}

// Businessf builds a business-category error.
func Businessf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Category: CategoryBusiness}
}

// Timeoutf builds the distinct timeout error (OPERATION_TIMEOUT, system).
func Timeoutf(format string, args ...any) *Error {
	return &Error{Code: CodeTimeout, Message: fmt.Sprintf(format, args...), Category: CategorySystem}
}

// CancelledErr builds the distinct cancellation error (CANCELLED, system).
func CancelledErr() *Error {
	return &Error{Code: CodeCancelled, Message: "operation cancelled", Category: CategorySystem}
}

// FromContext converts a context error into the runtime error shape.
// Deadline expiry maps to OPERATION_TIMEOUT, cancellation to CANCELLED.
// Other errors pass through an INTERNAL system wrapper.
func FromContext(err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Timeoutf("deadline exceeded")
	case errors.Is(err, context.Canceled):
		return CancelledErr()
	case err == nil:
		return nil
	default:
		return Systemf(CodeInternal, "%v", err)
	}
}

// AsError unwraps err to a *Error if one is in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the error code, or INTERNAL for foreign errors.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// CategoryOf returns the error category, or system for foreign errors.
func CategoryOf(err error) ErrorCategory {
	if e, ok := AsError(err); ok {
		return e.Category
	}
	return CategorySystem
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsNotFound reports whether err is a not-found error from any store backend.
func IsNotFound(err error) bool { return IsCode(err, CodeNotFound) }

// IsTimeout reports whether err is the distinct timeout error.
func IsTimeout(err error) bool { return IsCode(err, CodeTimeout) }

// IsCancelled reports whether err is the distinct cancellation error.
func IsCancelled(err error) bool { return IsCode(err, CodeCancelled) }
