// Package apperr defines the error taxonomy shared by the room, game and
// transport layers. Every error a client may see carries one of four codes.
package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeNotFound    = "NOT_FOUND"
	CodeConflict    = "CONFLICT"
	CodeValidation  = "VALIDATION"
	CodeUnavailable = "UNAVAILABLE"
)

// Error is an application error with a stable, user-facing message
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code and message so sentinel errors compare by identity of
// meaning, not by pointer
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a cause to a new application error
func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Unavailable wraps an infrastructure failure (redis, postgres, minio)
func Unavailable(err error, what string) *Error {
	return Wrap(err, CodeUnavailable, what+" is unavailable")
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

// CodeOf returns the code of the first *Error in the chain, or "" if none
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// Message returns the user-facing message of err, hiding internals of
// errors that are not application errors
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "Something went wrong"
}

func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

func IsConflict(err error) bool {
	return CodeOf(err) == CodeConflict
}

func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}

func IsUnavailable(err error) bool {
	return CodeOf(err) == CodeUnavailable
}
