package httputil

import (
	"errors"
	"net/http"

	"github.com/rx3lixir/codearena/pkg/apperr"
)

// CodeUnauthorized marks requests without a usable identity. Every other
// code comes from apperr.
const CodeUnauthorized = "UNAUTHORIZED"

// HTTPError represents an error that can be sent to clients
type HTTPError struct {
	Status  int    // HTTP status code
	Code    string // Stable machine-readable code
	Message string // User-facing message
	Cause   error  // Optional wrapped internal error (for logging)
	Details any    // Optional extra context (e.g. validation errors)
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return e.Message
}

// Unwrap allows errors.Is and errors.As to work
func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// Error with 400 status code
func BadRequest(msg string, details ...any) error {
	return &HTTPError{
		Status:  http.StatusBadRequest,
		Code:    apperr.CodeValidation,
		Message: msg,
		Details: singleOrSlice(details),
	}
}

// Error with 401 status code
func Unauthorized(msg string) error {
	return &HTTPError{Status: http.StatusUnauthorized, Code: CodeUnauthorized, Message: msg}
}

// FromError converts any error into an HTTPError, translating application
// error codes into their HTTP statuses
func FromError(err error) *HTTPError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}

	code := apperr.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperr.CodeNotFound:
		status = http.StatusNotFound
	case apperr.CodeConflict:
		status = http.StatusConflict
	case apperr.CodeValidation:
		status = http.StatusBadRequest
	case apperr.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}

	if code == "" {
		code = "INTERNAL"
	}

	return &HTTPError{
		Status:  status,
		Code:    code,
		Message: apperr.Message(err),
		Cause:   err,
	}
}

// tiny helper so you can pass one detail or many
func singleOrSlice(v []any) any {
	switch len(v) {
	case 0:
		return nil
	case 1:
		return v[0]
	default:
		return v
	}
}
