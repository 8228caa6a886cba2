package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/msgcore/msgcore/internal/auth"
)

// TenantCredential is one tenant's API login, configured at startup. Only the
// bcrypt hash is ever held.
type TenantCredential struct {
	TenantID     string
	PasswordHash string
}

type AuthHandler struct {
	logger    *slog.Logger
	secret    string
	expiresIn time.Duration
	tenants   map[string]string
}

func NewAuthHandler(log *slog.Logger, secret string, expiresIn time.Duration, credentials []TenantCredential) *AuthHandler {
	if log == nil {
		log = slog.Default()
	}
	tenants := make(map[string]string, len(credentials))
	for _, cred := range credentials {
		tenants[cred.TenantID] = cred.PasswordHash
	}
	return &AuthHandler{
		logger:    log.With(slog.String("handler", "auth")),
		secret:    secret,
		expiresIn: expiresIn,
		tenants:   tenants,
	}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	e.POST("/auth/login", h.Login)
	e.POST("/auth/refresh", h.Refresh)
}

type loginRequest struct {
	TenantID string `json:"tenant_id" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Login exchanges tenant credentials for a bearer token.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hash, ok := h.tenants[req.TenantID]
	if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil {
		h.logger.Warn("login rejected", slog.String("tenant_id", req.TenantID))
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, expiresAt, err := auth.GenerateToken(req.TenantID, h.secret, h.expiresIn)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// Refresh reissues the caller's token with the same lifespan.
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}
