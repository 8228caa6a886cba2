package platform

import "github.com/msgcore/msgcore/internal/errs"

// The coded error taxonomy lives in the errs leaf package so validation
// helpers below this layer can emit coded errors too. The platform package
// re-exports the vocabulary its callers branch on.
type (
	ErrorCode = errs.ErrorCode
	Error     = errs.Error
)

const (
	CodeInvalidURL              = errs.CodeInvalidURL
	CodeSSRFBlocked             = errs.CodeSSRFBlocked
	CodeInvalidFormat           = errs.CodeInvalidFormat
	CodeSizeExceeded            = errs.CodeSizeExceeded
	CodeEmptyMessage            = errs.CodeEmptyMessage
	CodeNotConnected            = errs.CodeNotConnected
	CodeConnectTimeout          = errs.CodeConnectTimeout
	CodeConnectionLimitExceeded = errs.CodeConnectionLimitExceeded
	CodeDeliveryFailed          = errs.CodeDeliveryFailed
	CodeInvalidToken            = errs.CodeInvalidToken
	CodePlatformDisabled        = errs.CodePlatformDisabled
	CodeNotFound                = errs.CodeNotFound
	CodeMissingEmoji            = errs.CodeMissingEmoji
)

// NewError builds a coded error with a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return errs.NewError(code, format, args...)
}

// WrapError attaches a code to an underlying error, keeping its message
// visible to callers.
func WrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return errs.WrapError(code, cause, format, args...)
}

// CodeOf extracts the error code, or empty string for uncoded errors.
func CodeOf(err error) ErrorCode {
	return errs.CodeOf(err)
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidURL              = errs.ErrInvalidURL
	ErrSSRFBlocked             = errs.ErrSSRFBlocked
	ErrInvalidFormat           = errs.ErrInvalidFormat
	ErrSizeExceeded            = errs.ErrSizeExceeded
	ErrEmptyMessage            = errs.ErrEmptyMessage
	ErrNotConnected            = errs.ErrNotConnected
	ErrConnectTimeout          = errs.ErrConnectTimeout
	ErrConnectionLimitExceeded = errs.ErrConnectionLimitExceeded
	ErrDeliveryFailed          = errs.ErrDeliveryFailed
	ErrInvalidToken            = errs.ErrInvalidToken
	ErrPlatformDisabled        = errs.ErrPlatformDisabled
	ErrNotFound                = errs.ErrNotFound
	ErrMissingEmoji            = errs.ErrMissingEmoji
)
