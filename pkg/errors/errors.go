package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors sharing the same code so clones still compare equal to their sentinel.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || e == nil || other == nil {
		return false
	}
	return e.Code == other.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors mapping the pipeline's failure taxonomy.
var (
	ErrValidation           = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrConflict             = New("CONFLICT", http.StatusConflict, "session is not in the required status")
	ErrThrottled            = New("THROTTLED", http.StatusTooManyRequests, "too many sessions in progress")
	ErrNotFound             = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrUnauthorized         = New("UNAUTHORIZED", http.StatusUnauthorized, "unauthorized")
	ErrForbidden            = New("FORBIDDEN", http.StatusForbidden, "forbidden")
	ErrUpstreamTransient    = New("UPSTREAM_UNAVAILABLE", http.StatusBadGateway, "upstream service temporarily unavailable")
	ErrUpstreamFatal        = New("UPSTREAM_REJECTED", http.StatusBadGateway, "upstream service rejected the request")
	ErrNoCredentials        = New("NO_CREDENTIALS", http.StatusBadGateway, "no language model provider is configured")
	ErrMediaRejected        = New("MEDIA_REJECTED", http.StatusUnprocessableEntity, "media cannot be processed")
	ErrStorageMisconfigured = New("STORAGE_UNAVAILABLE", http.StatusServiceUnavailable, "storage is temporarily unavailable")
	ErrInternal             = New("INTERNAL_ERROR", http.StatusServiceUnavailable, "the service could not complete the request")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WrapAs attaches cause to a copy of the sentinel, keeping its code, status and message.
func WrapAs(sentinel *Error, err error, message string) *Error {
	clone := Clone(sentinel, message)
	if clone == nil {
		return nil
	}
	clone.Err = err
	return clone
}
