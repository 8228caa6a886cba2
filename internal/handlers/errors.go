// Package handlers exposes the HTTP surface: webhook intake, the send API,
// platform instance administration, and auth.
package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/msgcore/msgcore/internal/platform"
)

// ErrorResponse is the JSON error body returned by every handler.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// HTTPStatus maps a platform error code to an HTTP status.
func HTTPStatus(code platform.ErrorCode) int {
	switch code {
	case platform.CodeInvalidURL, platform.CodeSSRFBlocked, platform.CodeInvalidFormat,
		platform.CodeSizeExceeded, platform.CodeEmptyMessage, platform.CodeMissingEmoji:
		return http.StatusBadRequest
	case platform.CodeInvalidToken:
		return http.StatusUnauthorized
	case platform.CodeNotFound:
		return http.StatusNotFound
	case platform.CodePlatformDisabled:
		return http.StatusConflict
	case platform.CodeConnectionLimitExceeded:
		return http.StatusTooManyRequests
	case platform.CodeNotConnected:
		return http.StatusServiceUnavailable
	case platform.CodeConnectTimeout:
		return http.StatusGatewayTimeout
	case platform.CodeDeliveryFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body with the mapped status.
func respondError(c echo.Context, err error) error {
	code := platform.CodeOf(err)
	return c.JSON(HTTPStatus(code), ErrorResponse{Error: err.Error(), Code: string(code)})
}
