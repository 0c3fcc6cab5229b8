package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error type mapped to exit codes and HTTP statuses.
type Code int

const (
	CodeSuccess     Code = 0
	CodeInternal    Code = 1
	CodeUsage       Code = 2
	CodeAuth        Code = 10
	CodeRateLimited Code = 11
	CodeUnavailable Code = 12
	CodeUnsupported Code = 13
	CodeNotFound    Code = 14
	CodeActionPlan  Code = 15
)

// Error carries a stable code alongside the user-facing message.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

func ExitCode(err error) int {
	if err == nil {
		return int(CodeSuccess)
	}
	if typed, ok := As(err); ok {
		return int(typed.Code)
	}
	return int(CodeInternal)
}

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	typed, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch typed.Code {
	case CodeUsage:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Message returns the message a client should see. Client errors keep
// their own message; upstream failures include the cause.
func Message(err error) string {
	if err == nil {
		return ""
	}
	typed, ok := As(err)
	if !ok {
		return err.Error()
	}
	switch typed.Code {
	case CodeUsage, CodeNotFound, CodeRateLimited:
		return typed.Message
	}
	return typed.Error()
}
