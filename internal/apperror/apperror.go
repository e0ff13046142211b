// Package apperror defines the error kinds shared by every layer.
//
// Services return *AppError values wrapping one of the sentinels below.
// Transport code branches on the sentinel with errors.Is, never on the
// message text, and HTTPStatus is the single place where a kind becomes
// a status code.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("Validation Error")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrThrottled          = errors.New("too many attempts")
)

// FieldError is one entry of a validation error's detail list.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error

	// Details lists every failing field for validation errors.
	Details []FieldError
	// RetryAfter is set on throttling errors.
	RetryAfter time.Duration
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
		Details: []FieldError{{Field: field, Message: message}},
	}
}

// Invalid bundles several field errors into one validation failure.
func Invalid(details []FieldError) *AppError {
	e := &AppError{
		Err:     ErrValidation,
		Message: "Validation failed",
		Details: details,
	}
	if len(details) == 1 {
		e.Field = details[0].Field
	}
	return e
}

// Conflict reports that a unique field is already taken. The message names
// the field so the client can point the user at it.
func Conflict(field, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

func InvalidCredentials(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidCredentials,
		Message: message,
	}
}

func InvalidToken(message string) *AppError {
	return &AppError{
		Err:     ErrInvalidToken,
		Message: message,
	}
}

// Throttled is returned while an identifier is locked out.
func Throttled(message string, retryAfter time.Duration) *AppError {
	return &AppError{
		Err:        ErrThrottled,
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// HTTPStatus maps an error kind to its HTTP status and machine-readable code.
// Anything that is not an *AppError is an internal error.
//
// Conflicts are surfaced as 400 rather than 409: the client treats a taken
// username or email as one more invalid form field.
func HTTPStatus(err error) (int, string) {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError, "internal_error"
	}

	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrConflict):
		return http.StatusBadRequest, "conflict"
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrThrottled):
		return http.StatusTooManyRequests, "too_many_attempts"
	}
	return http.StatusInternalServerError, "internal_error"
}

// Response is the JSON body of every error the API returns.
type Response struct {
	Success bool         `json:"success"`
	Error   string       `json:"error"`
	Code    string       `json:"code"`
	Details []FieldError `json:"details,omitempty"`
}

// InternalMessage is all a client ever learns about an unexpected failure.
const InternalMessage = "Internal server error"

// ToResponse renders err as a status and body. The message of an unknown
// error is never exposed: it may hold SQL, file paths or library internals.
func ToResponse(err error) (int, Response) {
	status, code := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return status, Response{Error: InternalMessage, Code: code}
	}

	var appErr *AppError
	errors.As(err, &appErr)
	return status, Response{
		Error:   appErr.Message,
		Code:    code,
		Details: appErr.Details,
	}
}
