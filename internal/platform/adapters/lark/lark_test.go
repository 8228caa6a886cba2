package lark

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(map[string]any{"app_id": "cli_1", "app_secret": "sec"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.Region != regionLark || cfg.Mode != ModeWebhook {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg, err = parseConfig(map[string]any{
		"appId":             "cli_1",
		"appSecret":         "sec",
		"region":            "cn",
		"mode":              "ws",
		"verificationToken": "vt",
	})
	if err != nil {
		t.Fatalf("parseConfig camelCase: %v", err)
	}
	if cfg.Region != regionFeishu || cfg.Mode != ModeWebsocket || cfg.VerificationToken != "vt" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if _, err := parseConfig(map[string]any{"app_id": "cli_1"}); err == nil {
		t.Fatal("expected error for missing secret")
	}
	if _, err := parseConfig(map[string]any{"app_id": "a", "app_secret": "s", "region": "mars"}); err == nil {
		t.Fatal("expected error for unknown region")
	}
}

func TestNormalizeConfig(t *testing.T) {
	normalized, err := normalizeConfig(map[string]any{
		"appId":      "cli_1",
		"app_secret": "sec",
		"encryptKey": "ek",
	})
	if err != nil {
		t.Fatalf("normalizeConfig: %v", err)
	}
	if normalized["app_id"] != "cli_1" || normalized["encrypt_key"] != "ek" {
		t.Fatalf("normalized = %v", normalized)
	}
	if _, ok := normalized["verification_token"]; ok {
		t.Fatal("empty optional keys must be omitted")
	}
}

func TestDescriptor(t *testing.T) {
	d := New(nil, nil).Descriptor()
	if d.Type != Type || !d.WebhookDriven {
		t.Fatalf("descriptor = %+v", d)
	}
	if !d.Limits.ButtonURLSchemeHTTPSOnly || d.Limits.NativeEmbeds {
		t.Fatalf("limits = %+v", d.Limits)
	}
}

func TestResolveReceiveID(t *testing.T) {
	cases := []struct {
		raw      string
		id, kind string
	}{
		{"open_id:ou_1", "ou_1", larkim.ReceiveIdTypeOpenId},
		{"user_id:u1", "u1", larkim.ReceiveIdTypeUserId},
		{"chat_id:oc_1", "oc_1", larkim.ReceiveIdTypeChatId},
		{"email:a@b.c", "a@b.c", larkim.ReceiveIdTypeEmail},
		{"oc_raw", "oc_raw", larkim.ReceiveIdTypeChatId},
		{"ou_raw", "ou_raw", larkim.ReceiveIdTypeOpenId},
	}
	for _, tc := range cases {
		id, kind, err := resolveReceiveID(tc.raw)
		if err != nil || id != tc.id || kind != tc.kind {
			t.Fatalf("resolveReceiveID(%q) = %q %q %v", tc.raw, id, kind, err)
		}
	}
	if _, _, err := resolveReceiveID(""); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestBuildCardContent(t *testing.T) {
	payload, err := buildCardContent("pick one", [][]platform.Button{
		{{Label: "Yes", Value: "yes"}, {Label: "Docs", URL: "https://example.com"}},
	})
	if err != nil {
		t.Fatalf("buildCardContent: %v", err)
	}
	var card struct {
		Elements []map[string]any `json:"elements"`
	}
	if err := json.Unmarshal([]byte(payload), &card); err != nil {
		t.Fatalf("unmarshal card: %v", err)
	}
	if len(card.Elements) != 2 {
		t.Fatalf("elements = %d", len(card.Elements))
	}
	if card.Elements[0]["tag"] != "div" || card.Elements[1]["tag"] != "action" {
		t.Fatalf("element tags = %v %v", card.Elements[0]["tag"], card.Elements[1]["tag"])
	}
	actions := card.Elements[1]["actions"].([]any)
	if len(actions) != 2 {
		t.Fatalf("actions = %d", len(actions))
	}
	first := actions[0].(map[string]any)
	if value, ok := first["value"].(map[string]any); !ok || value["action"] != "yes" {
		t.Fatalf("value button = %v", first)
	}
	second := actions[1].(map[string]any)
	if second["url"] != "https://example.com" {
		t.Fatalf("url button = %v", second)
	}
}

func TestExtractPostText(t *testing.T) {
	var contentMap map[string]any
	raw := `{"title":"","content":[[{"tag":"text","text":"hello"},{"tag":"at","text":"alice"}],[{"tag":"a","text":"docs","href":"https://example.com"}]]}`
	if err := json.Unmarshal([]byte(raw), &contentMap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got := extractPostText(contentMap)
	if got != "hello @alice docs" {
		t.Fatalf("extractPostText = %q", got)
	}
}

func TestReactionEventFromCreated(t *testing.T) {
	inst := platform.Instance{ID: "inst-1", TenantID: "tenant-1"}
	messageID := "om_1"
	emoji := "THUMBSUP"
	openID := "ou_9"
	actionTime := "1756400000000"
	event := &larkim.P2MessageReactionCreatedV1{
		Event: &larkim.P2MessageReactionCreatedV1Data{
			MessageId:    &messageID,
			ReactionType: &larkim.Emoji{EmojiType: &emoji},
			UserId:       &larkim.UserId{OpenId: &openID},
			ActionTime:   &actionTime,
		},
	}
	got := reactionEventFromCreated(inst, event)
	if got.ProviderMessageID != "om_1" || got.Emoji != "THUMBSUP" || got.UserID != "ou_9" {
		t.Fatalf("event = %+v", got)
	}
	if got.Kind != ingest.ReactionAdded || got.TenantID != "tenant-1" {
		t.Fatalf("event = %+v", got)
	}
	want := time.UnixMilli(1756400000000).UTC()
	if !got.OccurredAt.Equal(want) {
		t.Fatalf("OccurredAt = %v", got.OccurredAt)
	}
}

func TestValidateCallbackToken(t *testing.T) {
	cfg := config{VerificationToken: "vt"}
	if err := validateCallbackToken([]byte(`{"type":"url_verification","challenge":"c"}`), cfg); err != nil {
		t.Fatalf("challenge must pass: %v", err)
	}
	if err := validateCallbackToken([]byte(`{"token":"vt","type":"event_callback"}`), cfg); err != nil {
		t.Fatalf("matching token must pass: %v", err)
	}
	err := validateCallbackToken([]byte(`{"token":"wrong","type":"event_callback"}`), cfg)
	if platform.CodeOf(err) != platform.CodeInvalidToken {
		t.Fatalf("err = %v", err)
	}
	if err := validateCallbackToken([]byte(`{"token":"anything"}`), config{EncryptKey: "ek"}); err != nil {
		t.Fatalf("encrypt key delegates auth to the sdk: %v", err)
	}
}

func TestResolveFileType(t *testing.T) {
	if got := resolveFileType("report.pdf", "application/pdf"); got != larkim.FileTypePdf {
		t.Fatalf("pdf = %q", got)
	}
	if got := resolveFileType("clip.mp4", "video/mp4"); got != larkim.FileTypeMp4 {
		t.Fatalf("mp4 = %q", got)
	}
	if got := resolveFileType("data.bin", "application/octet-stream"); got != larkim.FileTypeStream {
		t.Fatalf("stream = %q", got)
	}
}

func TestAttachmentReaderInlineData(t *testing.T) {
	content := platform.Content{
		Attachments: []platform.Attachment{
			{Filename: "pixel.png", Data: "data:image/png;base64,aGVsbG8="},
		},
	}
	result, err := platform.TransformContent(content, (&Adapter{}).Descriptor().Limits)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if len(result.Attachments) != 1 {
		t.Fatalf("prepared %d attachments, want 1", len(result.Attachments))
	}
	reader, err := attachmentReader(context.Background(), result.Attachments[0])
	if err != nil {
		t.Fatalf("attachmentReader: %v", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read attachment: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("decoded = %q, want hello", data)
	}
}
