// Package apperr defines the typed error taxonomy the gateway surfaces to
// its transports. Every business failure carries a stable code so REST and
// GraphQL framings can map it without string matching.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies an error kind. Codes are part of the public contract and
// must stay stable across releases.
type Code string

const (
	CodeValidation         Code = "VALIDATION"
	CodeComplexityTooHigh  Code = "QUERY_COMPLEXITY_TOO_HIGH"
	CodePaginationRequired Code = "PAGINATION_REQUIRED"
	CodeTooManyGroups      Code = "TOO_MANY_GROUPS"
	CodeRateLimited        Code = "RATE_LIMIT_EXCEEDED"
	CodeQueryExecution     Code = "QUERY_EXECUTION_ERROR"
	CodeQuerySecurity      Code = "QUERY_SECURITY"
	CodeCacheTier2         Code = "CACHE_TIER2_FAIL"
	CodeExportCreation     Code = "EXPORT_JOB_CREATION_ERROR"
	CodeExportProcessing   Code = "EXPORT_PROCESSING_ERROR"
	CodeInternal           Code = "INTERNAL"
)

// statusFor maps codes to the HTTP status a REST framing should use.
var statusFor = map[Code]int{
	CodeValidation:         http.StatusBadRequest,
	CodeComplexityTooHigh:  http.StatusBadRequest,
	CodePaginationRequired: http.StatusBadRequest,
	CodeTooManyGroups:      http.StatusBadRequest,
	CodeRateLimited:        http.StatusTooManyRequests,
	CodeQueryExecution:     http.StatusBadGateway,
	CodeQuerySecurity:      http.StatusBadRequest,
	CodeCacheTier2:         http.StatusInternalServerError,
	CodeExportCreation:     http.StatusInternalServerError,
	CodeExportProcessing:   http.StatusInternalServerError,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is a typed gateway error. Extensions carry structured detail
// (recommendations, rate-limit headers, row estimates) for the envelope.
type Error struct {
	Code       Code
	Message    string
	Extensions map[string]any
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status for this error's code.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// WithExtension attaches a structured detail field and returns the error.
func (e *Error) WithExtension(key string, value any) *Error {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// New creates a typed error.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error that preserves the underlying cause.
func Wrap(code Code, err error, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// As extracts a typed error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// From returns the typed error in the chain, or wraps anything else as
// INTERNAL with a generic message. The original detail stays in the chain
// for logs but never reaches the client.
func From(err error) *Error {
	if e, ok := As(err); ok {
		return e
	}
	return Wrap(CodeInternal, err, "internal error")
}

// IsCode reports whether the chain contains a typed error with the code.
func IsCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}
