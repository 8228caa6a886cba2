package telegram

import (
	"context"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

func testInstance() platform.Instance {
	return platform.Instance{
		ID:          "inst-1",
		TenantID:    "tenant-1",
		Platform:    Type,
		Credentials: map[string]any{"bot_token": "123:abc"},
	}
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(map[string]any{"bot_token": "123:abc"})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.BotToken != "123:abc" || cfg.Mode != ModePolling {
		t.Fatalf("cfg = %+v", cfg)
	}

	cfg, err = parseConfig(map[string]any{"botToken": "123:abc", "mode": "Webhook"})
	if err != nil {
		t.Fatalf("parseConfig webhook: %v", err)
	}
	if cfg.Mode != ModeWebhook {
		t.Fatalf("Mode = %q", cfg.Mode)
	}

	if _, err := parseConfig(map[string]any{"bot_token": "x", "mode": "push"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := parseConfig(nil); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestNormalizeConfig(t *testing.T) {
	normalized, err := normalizeConfig(map[string]any{"botToken": " 123:abc ", "junk": true})
	if err != nil {
		t.Fatalf("normalizeConfig: %v", err)
	}
	if normalized["bot_token"] != "123:abc" || normalized["mode"] != ModePolling {
		t.Fatalf("normalized = %v", normalized)
	}
	if _, ok := normalized["junk"]; ok {
		t.Fatal("unknown keys must be dropped")
	}
}

func TestDescriptor(t *testing.T) {
	d := New(nil, nil).Descriptor()
	if d.Type != Type {
		t.Fatalf("Type = %q", d.Type)
	}
	if d.Limits.NativeEmbeds {
		t.Fatal("telegram has no native embeds")
	}
	if d.Limits.MaxTextRunes != 4096 || d.Limits.MaxCaptionRunes != 1024 || d.Limits.MediaGroupSize != 10 {
		t.Fatalf("limits = %+v", d.Limits)
	}
	if !d.Capabilities.Reactions || !d.Capabilities.Buttons {
		t.Fatalf("capabilities = %+v", d.Capabilities)
	}
}

func TestBuildInlineKeyboard(t *testing.T) {
	markup := buildInlineKeyboard([][]platform.Button{
		{{Label: "Yes", Value: "yes"}, {Label: "Docs", URL: "https://example.com"}},
	})
	if markup == nil || len(markup.InlineKeyboard) != 1 {
		t.Fatalf("markup = %+v", markup)
	}
	row := markup.InlineKeyboard[0]
	if row[0].CallbackData == nil || *row[0].CallbackData != "yes" {
		t.Fatalf("callback button = %+v", row[0])
	}
	if row[1].URL == nil || *row[1].URL != "https://example.com" {
		t.Fatalf("url button = %+v", row[1])
	}
	if buildInlineKeyboard(nil) != nil {
		t.Fatal("no rows should yield nil markup")
	}
}

func TestBuildBaseChat(t *testing.T) {
	chat, err := buildBaseChat("@channel")
	if err != nil || chat.ChannelUsername != "@channel" {
		t.Fatalf("channel chat = %+v, err %v", chat, err)
	}
	chat, err = buildBaseChat("123456")
	if err != nil || chat.ChatID != 123456 {
		t.Fatalf("id chat = %+v, err %v", chat, err)
	}
	if _, err := buildBaseChat("not-a-chat"); err == nil {
		t.Fatal("expected error for malformed target")
	}
}

func TestParseReplyTo(t *testing.T) {
	if got := parseReplyTo(" 42 "); got != 42 {
		t.Fatalf("parseReplyTo = %d", got)
	}
	if got := parseReplyTo("abc"); got != 0 {
		t.Fatalf("parseReplyTo malformed = %d", got)
	}
	if got := parseReplyTo(""); got != 0 {
		t.Fatalf("parseReplyTo empty = %d", got)
	}
}

func TestTruncateRunes(t *testing.T) {
	if got := truncateRunes("héllo", 3); got != "hél" {
		t.Fatalf("truncateRunes = %q", got)
	}
	if got := truncateRunes("ok", 10); got != "ok" {
		t.Fatalf("truncateRunes short = %q", got)
	}
}

func TestDiffReactions(t *testing.T) {
	old := []reactionType{{Type: "emoji", Emoji: "👍"}}
	updated := []reactionType{{Type: "emoji", Emoji: "👍"}, {Type: "emoji", Emoji: "🎉"}}
	added := diffReactions(updated, old)
	if len(added) != 1 || added[0] != "🎉" {
		t.Fatalf("added = %v", added)
	}
	removed := diffReactions(old, updated)
	if len(removed) != 0 {
		t.Fatalf("removed = %v", removed)
	}
	custom := diffReactions([]reactionType{{Type: "custom_emoji"}}, nil)
	if len(custom) != 0 {
		t.Fatalf("custom emoji must be skipped, got %v", custom)
	}
}

func TestHandleUpdateTranslatesMessage(t *testing.T) {
	a := New(nil, nil)
	inst := testInstance()
	var got platform.Envelope
	handler := func(ctx context.Context, _ platform.Instance, env platform.Envelope) error {
		got = env
		return nil
	}
	a.handleUpdate(context.Background(), inst, nil, handler, tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 7,
			Date:      1756400000,
			Text:      "hello",
			From:      &tgbotapi.User{ID: 99, UserName: "alice"},
			Chat:      &tgbotapi.Chat{ID: 555, Type: "private"},
		},
	})
	if got.Meta.EventID != "7" || got.ThreadID != "555" {
		t.Fatalf("envelope = %+v", got)
	}
	if got.User.ProviderUserID != "99" || got.User.Display != "alice" {
		t.Fatalf("user = %+v", got.User)
	}
	if got.Content.Text != "hello" || got.Platform != Type {
		t.Fatalf("content = %+v", got.Content)
	}
}

func TestHandleUpdateSkipsBotsAndEmpty(t *testing.T) {
	a := New(nil, nil)
	inst := testInstance()
	calls := 0
	handler := func(ctx context.Context, _ platform.Instance, _ platform.Envelope) error {
		calls++
		return nil
	}
	a.handleUpdate(context.Background(), inst, nil, handler, tgbotapi.Update{
		Message: &tgbotapi.Message{Text: "x", From: &tgbotapi.User{ID: 1, IsBot: true}},
	})
	a.handleUpdate(context.Background(), inst, nil, handler, tgbotapi.Update{
		Message: &tgbotapi.Message{Text: "   ", From: &tgbotapi.User{ID: 2}},
	})
	if calls != 0 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestHandleUpdateCallbackQuery(t *testing.T) {
	a := New(nil, nil)
	inst := testInstance()
	var got platform.Envelope
	handler := func(ctx context.Context, _ platform.Instance, env platform.Envelope) error {
		got = env
		return nil
	}
	a.handleUpdate(context.Background(), inst, nil, handler, tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb-1",
			Data: "approve",
			From: &tgbotapi.User{ID: 42, UserName: "bob"},
			Message: &tgbotapi.Message{
				MessageID: 9,
				Chat:      &tgbotapi.Chat{ID: 555},
			},
		},
	})
	if got.Action == nil || got.Action.Type != ingest.ActionButtonClick || got.Action.Value != "approve" {
		t.Fatalf("action = %+v", got.Action)
	}
	if got.Meta.EventID != "cb-1" || got.ThreadID != "555" {
		t.Fatalf("envelope = %+v", got)
	}
}

type recordingSink struct {
	events []ingest.ReactionEvent
}

func (s *recordingSink) HandleReaction(_ context.Context, _ platform.Instance, event ingest.ReactionEvent) error {
	s.events = append(s.events, event)
	return nil
}

func TestHandleWebhookReactionDiff(t *testing.T) {
	sink := &recordingSink{}
	a := New(nil, sink)
	inst := testInstance()
	a.handlers[inst.Key()] = func(ctx context.Context, _ platform.Instance, _ platform.Envelope) error {
		return nil
	}
	body := []byte(`{
		"update_id": 10,
		"message_reaction": {
			"chat": {"id": 555},
			"message_id": 7,
			"user": {"id": 99, "username": "alice"},
			"date": 1756400000,
			"old_reaction": [{"type": "emoji", "emoji": "👍"}],
			"new_reaction": [{"type": "emoji", "emoji": "🎉"}]
		}
	}`)
	if err := a.HandleWebhook(context.Background(), inst, body, nil); err != nil {
		t.Fatalf("HandleWebhook: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("events = %+v", sink.events)
	}
	added, removed := sink.events[0], sink.events[1]
	if added.Kind != ingest.ReactionAdded || added.Emoji != "🎉" {
		t.Fatalf("added = %+v", added)
	}
	if removed.Kind != ingest.ReactionRemoved || removed.Emoji != "👍" {
		t.Fatalf("removed = %+v", removed)
	}
	if added.ChatID != "555" || added.ProviderMessageID != "7" || added.UserID != "99" {
		t.Fatalf("identifiers = %+v", added)
	}
	if added.TenantID != "tenant-1" || added.InstanceID != "inst-1" {
		t.Fatalf("instance fields = %+v", added)
	}
}

func TestHandleWebhookWithoutHandler(t *testing.T) {
	a := New(nil, nil)
	err := a.HandleWebhook(context.Background(), testInstance(), []byte(`{}`), nil)
	if platform.CodeOf(err) != platform.CodeNotConnected {
		t.Fatalf("err = %v", err)
	}
}
