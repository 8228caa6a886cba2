package secrets_test

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/msgcore/msgcore/internal/secrets"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestSealOpenRoundTrip(t *testing.T) {
	t.Parallel()
	vault, err := secrets.NewVault(testKey())
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	credentials := map[string]any{
		"bot_token": "123456:abcdef",
		"app_id":    "cli_a1b2",
	}
	sealed, err := vault.Seal(credentials)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if sealed == "" || sealed == "123456:abcdef" {
		t.Fatalf("sealed output leaks or is empty: %q", sealed)
	}
	opened, err := vault.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened["bot_token"] != "123456:abcdef" || opened["app_id"] != "cli_a1b2" {
		t.Fatalf("round trip mismatch: %+v", opened)
	}
}

func TestSealProducesUniqueCiphertext(t *testing.T) {
	t.Parallel()
	vault, err := secrets.NewVault(testKey())
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	credentials := map[string]any{"token": "secret"}
	a, err := vault.Seal(credentials)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	b, err := vault.Seal(credentials)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if a == b {
		t.Fatal("expected distinct nonces to produce distinct ciphertext")
	}
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	t.Parallel()
	vault, err := secrets.NewVault(testKey())
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	sealed, err := vault.Seal(map[string]any{"token": "secret"})
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	if _, err := vault.Open(base64.StdEncoding.EncodeToString(raw)); err == nil {
		t.Fatal("expected tampered ciphertext to fail")
	}
	if _, err := vault.Open("AA=="); err == nil {
		t.Fatal("expected short ciphertext to fail")
	}
}

func TestNewVaultRejectsBadKey(t *testing.T) {
	t.Parallel()
	if _, err := secrets.NewVault([]byte("short")); err == nil {
		t.Fatal("expected short key to be rejected")
	}
	if _, err := secrets.NewVaultFromBase64("not base64!!"); err == nil {
		t.Fatal("expected invalid base64 key to be rejected")
	}
}
