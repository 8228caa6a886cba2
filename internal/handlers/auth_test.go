package handlers

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/crypto/bcrypt"
)

func authTestServer(t *testing.T, password string) *echo.Echo {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	e := echo.New()
	e.Validator = NewRequestValidator()
	NewAuthHandler(nil, "test-secret", 5*time.Minute, []TenantCredential{
		{TenantID: "acme", PasswordHash: string(hash)},
	}).Register(e)
	return e
}

func TestLogin(t *testing.T) {
	t.Parallel()

	e := authTestServer(t, "open-sesame")
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"tenant_id":"acme","password":"open-sesame"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	if resp.Token == "" {
		t.Fatalf("expected a token")
	}
	if time.Until(resp.ExpiresAt) <= 0 {
		t.Fatalf("expiry in the past: %v", resp.ExpiresAt)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	t.Parallel()

	e := authTestServer(t, "open-sesame")
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"tenant_id":"acme","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginUnknownTenant(t *testing.T) {
	t.Parallel()

	e := authTestServer(t, "open-sesame")
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"tenant_id":"ghost","password":"open-sesame"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestLoginMissingFields(t *testing.T) {
	t.Parallel()

	e := authTestServer(t, "open-sesame")
	rec := doJSON(e, http.MethodPost, "/auth/login", `{"tenant_id":"acme"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
