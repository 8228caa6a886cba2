package email

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestParseMessagePlain(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"To: bot@example.com",
		"Subject: hello",
		"Content-Type: text/plain; charset=utf-8",
		"",
		"Just checking in.",
	}, "\r\n")

	parsed, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if parsed.Body != "Just checking in." {
		t.Fatalf("body = %q", parsed.Body)
	}
	if len(parsed.Attachments) != 0 {
		t.Fatalf("attachments = %v", parsed.Attachments)
	}
}

func TestParseMessageHTMLOnly(t *testing.T) {
	raw := strings.Join([]string{
		"From: alice@example.com",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>Hello <strong>world</strong></p>",
	}, "\r\n")

	parsed, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if !strings.Contains(parsed.Body, "**world**") {
		t.Fatalf("html not converted to markdown: %q", parsed.Body)
	}
}

func TestParseMessageMultipart(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("%PDF-1.4 fake"))
	raw := strings.Join([]string{
		"From: alice@example.com",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: multipart/alternative; boundary=\"inner\"",
		"",
		"--inner",
		"Content-Type: text/plain; charset=utf-8",
		"Content-Transfer-Encoding: quoted-printable",
		"",
		"caf=C3=A9 update",
		"--inner",
		"Content-Type: text/html; charset=utf-8",
		"",
		"<p>caf&eacute; update</p>",
		"--inner--",
		"--frontier",
		"Content-Type: application/pdf; name=\"report.pdf\"",
		"Content-Disposition: attachment; filename=\"report.pdf\"",
		"Content-Transfer-Encoding: base64",
		"",
		payload,
		"--frontier--",
	}, "\r\n")

	parsed, err := parseMessage([]byte(raw))
	if err != nil {
		t.Fatalf("parseMessage: %v", err)
	}
	if parsed.Body != "café update" {
		t.Fatalf("body = %q", parsed.Body)
	}
	if len(parsed.Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(parsed.Attachments))
	}
	att := parsed.Attachments[0]
	if att.Filename != "report.pdf" || att.MimeType != "application/pdf" {
		t.Fatalf("attachment = %+v", att)
	}
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		t.Fatalf("attachment data not base64: %v", err)
	}
	if string(decoded) != "%PDF-1.4 fake" {
		t.Fatalf("decoded = %q", decoded)
	}
}

func TestParseMessageMalformed(t *testing.T) {
	if _, err := parseMessage([]byte("no headers at all")); err == nil {
		t.Fatal("expected error for missing header block")
	}

	raw := strings.Join([]string{
		"From: alice@example.com",
		"Content-Type: multipart/mixed",
		"",
		"body",
	}, "\r\n")
	if _, err := parseMessage([]byte(raw)); err == nil {
		t.Fatal("expected error for multipart without boundary")
	}
}
