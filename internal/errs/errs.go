// Package errs carries the coded error taxonomy shared across the messaging
// layers. It sits below both the content guard and the platform package so
// either can emit coded errors without importing the other.
package errs

import (
	"errors"
	"fmt"
)

// ErrorCode classifies failures so callers can branch on the category
// without parsing messages.
type ErrorCode string

const (
	CodeInvalidURL              ErrorCode = "invalid_url"
	CodeSSRFBlocked             ErrorCode = "ssrf_blocked"
	CodeInvalidFormat           ErrorCode = "invalid_format"
	CodeSizeExceeded            ErrorCode = "size_exceeded"
	CodeEmptyMessage            ErrorCode = "empty_message"
	CodeNotConnected            ErrorCode = "not_connected"
	CodeConnectTimeout          ErrorCode = "connect_timeout"
	CodeConnectionLimitExceeded ErrorCode = "connection_limit_exceeded"
	CodeDeliveryFailed          ErrorCode = "delivery_failed"
	CodeInvalidToken            ErrorCode = "invalid_token"
	CodePlatformDisabled        ErrorCode = "platform_disabled"
	CodeNotFound                ErrorCode = "not_found"
	CodeMissingEmoji            ErrorCode = "missing_emoji"
)

// Error is the coded error type used across the messaging layers.
type Error struct {
	Code    ErrorCode
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches any *Error carrying the same code, so sentinel comparisons like
// errors.Is(err, ErrNotConnected) work regardless of the message.
func (e *Error) Is(target error) bool {
	var pe *Error
	if !errors.As(target, &pe) {
		return false
	}
	return e.Code == pe.Code
}

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a code to an underlying error, keeping its message
// visible to callers.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// CodeOf extracts the error code, or empty string for uncoded errors.
func CodeOf(err error) ErrorCode {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// Sentinels for errors.Is checks. Messages on real errors carry specifics;
// these carry only the code.
var (
	ErrInvalidURL              = &Error{Code: CodeInvalidURL}
	ErrSSRFBlocked             = &Error{Code: CodeSSRFBlocked}
	ErrInvalidFormat           = &Error{Code: CodeInvalidFormat}
	ErrSizeExceeded            = &Error{Code: CodeSizeExceeded}
	ErrEmptyMessage            = &Error{Code: CodeEmptyMessage}
	ErrNotConnected            = &Error{Code: CodeNotConnected}
	ErrConnectTimeout          = &Error{Code: CodeConnectTimeout}
	ErrConnectionLimitExceeded = &Error{Code: CodeConnectionLimitExceeded}
	ErrDeliveryFailed          = &Error{Code: CodeDeliveryFailed}
	ErrInvalidToken            = &Error{Code: CodeInvalidToken}
	ErrPlatformDisabled        = &Error{Code: CodePlatformDisabled}
	ErrNotFound                = &Error{Code: CodeNotFound}
	ErrMissingEmoji            = &Error{Code: CodeMissingEmoji}
)
