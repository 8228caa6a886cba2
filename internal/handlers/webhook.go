package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/msgcore/msgcore/internal/platform"
)

const maxWebhookBody = 10 << 20

// TokenResolver resolves webhook tokens to platform instances.
type TokenResolver interface {
	GetByWebhookToken(ctx context.Context, token string) (platform.Instance, error)
}

// WebhookDispatcher routes a raw webhook body to the owning adapter.
type WebhookDispatcher interface {
	DispatchWebhook(ctx context.Context, inst platform.Instance, body []byte, headers map[string]string) error
}

// WebhookHandler is the unauthenticated intake for platform event callbacks.
// The webhook token is the only credential on this route.
type WebhookHandler struct {
	logger     *slog.Logger
	resolver   TokenResolver
	dispatcher WebhookDispatcher
}

func NewWebhookHandler(log *slog.Logger, resolver TokenResolver, dispatcher WebhookDispatcher) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:     log.With(slog.String("handler", "webhook")),
		resolver:   resolver,
		dispatcher: dispatcher,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:platform/:token", h.Handle)
}

// urlVerification is Lark's endpoint handshake. It arrives before any real
// event and must be answered with the challenge in the response body.
type urlVerification struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// Handle validates the token, resolves the instance, and hands the raw body
// to the owning adapter. A malformed or unknown token is NotFound; a disabled
// instance is acknowledged softly so the backend does not retry forever.
func (h *WebhookHandler) Handle(c echo.Context) error {
	token := c.Param("token")
	// Issued tokens are always v4; anything else skips the store lookup.
	if parsed, err := uuid.Parse(token); err != nil || parsed.Version() != 4 {
		return respondError(c, platform.NewError(platform.CodeNotFound, "unknown webhook token"))
	}

	ctx := c.Request().Context()
	inst, err := h.resolver.GetByWebhookToken(ctx, token)
	if err != nil {
		if platform.CodeOf(err) == platform.CodeNotFound {
			return respondError(c, err)
		}
		h.logger.Error("resolve webhook token failed", slog.Any("error", err))
		return respondError(c, err)
	}
	if inst.Platform.String() != c.Param("platform") {
		return respondError(c, platform.NewError(platform.CodeNotFound, "unknown webhook token"))
	}
	if inst.Disabled {
		h.logger.Warn("webhook for disabled instance",
			slog.String("tenant_id", inst.TenantID),
			slog.String("instance_id", inst.ID),
			slog.String("platform", inst.Platform.String()))
		return c.JSON(http.StatusOK, map[string]any{"ok": false, "reason": "platform_disabled"})
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return respondError(c, platform.WrapError(platform.CodeInvalidFormat, err, "read webhook body"))
	}

	var verification urlVerification
	if json.Unmarshal(body, &verification) == nil &&
		verification.Type == "url_verification" && verification.Challenge != "" {
		return c.JSON(http.StatusOK, map[string]string{"challenge": verification.Challenge})
	}

	headers := make(map[string]string, len(c.Request().Header))
	for key := range c.Request().Header {
		headers[key] = c.Request().Header.Get(key)
	}
	if err := h.dispatcher.DispatchWebhook(ctx, inst, body, headers); err != nil {
		h.logger.Error("dispatch webhook failed",
			slog.String("tenant_id", inst.TenantID),
			slog.String("instance_id", inst.ID),
			slog.Any("error", err))
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
