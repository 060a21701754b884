package service

import "errors"

// Error codes shared with the HTTP layer.
const (
	CodeInvalidEvent  = "invalid_event"
	CodeUpstream      = "upstream_error"
	CodeHandlerFailed = "event_handler_failed"
	CodeCircuitOpen   = "circuit_breaker_open"
)

// Error represents a custom error with code and message
type Error struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e Error) Unwrap() error { return e.Err }

// Is matches any Error carrying the same code, so sentinels work with wrapped causes.
func (e Error) Is(target error) bool {
	var t Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new error
func NewError(code, message string) Error {
	return Error{Code: code, Message: message}
}

// Wrap returns a copy of e carrying err as its cause.
func (e Error) Wrap(err error) Error {
	e.Err = err
	return e
}

var (
	// ErrInvalidEvent is a client error: the event id or type is missing.
	ErrInvalidEvent = NewError(CodeInvalidEvent, "invalid webhook payload")
	// ErrUpstream wraps a source-of-truth failure; the cache never masks it.
	ErrUpstream = NewError(CodeUpstream, "source of truth query failed")
	// ErrHandlerFailed wraps a business-logic failure after lock acquisition.
	ErrHandlerFailed = NewError(CodeHandlerFailed, "event handler failed")
)

// IsClientError reports whether err should be answered with a 4xx.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEvent)
}
