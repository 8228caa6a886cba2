package discord

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/msgcore/msgcore/internal/platform"
)

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(map[string]any{"bot_token": " abc "})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.BotToken != "abc" {
		t.Fatalf("BotToken = %q", cfg.BotToken)
	}

	cfg, err = parseConfig(map[string]any{"botToken": "xyz"})
	if err != nil {
		t.Fatalf("parseConfig camelCase: %v", err)
	}
	if cfg.BotToken != "xyz" {
		t.Fatalf("BotToken = %q", cfg.BotToken)
	}

	if _, err := parseConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestNormalizeConfig(t *testing.T) {
	a := New(nil, nil)
	normalized, err := a.NormalizeConfig(map[string]any{"botToken": "tok", "junk": 1})
	if err != nil {
		t.Fatalf("NormalizeConfig: %v", err)
	}
	if len(normalized) != 1 || normalized["bot_token"] != "tok" {
		t.Fatalf("normalized = %v", normalized)
	}
}

func TestDescriptor(t *testing.T) {
	d := New(nil, nil).Descriptor()
	if d.Type != Type {
		t.Fatalf("Type = %q", d.Type)
	}
	if !d.Capabilities.Buttons || !d.Capabilities.Reactions || !d.Capabilities.Embeds {
		t.Fatalf("capabilities = %+v", d.Capabilities)
	}
	if !d.Limits.NativeEmbeds || d.Limits.MaxTextRunes != 2000 || d.Limits.ButtonsPerRow != 5 {
		t.Fatalf("limits = %+v", d.Limits)
	}
	if d.WebhookDriven {
		t.Fatal("discord is gateway driven")
	}
}

func TestBuildEmbeds(t *testing.T) {
	when := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	embeds := buildEmbeds([]platform.Embed{{
		Title:       "Release",
		TitleURL:    "https://example.com",
		Description: "v2 is out",
		Color:       0x00ff00,
		Author:      &platform.EmbedAuthor{Name: "bot"},
		Footer:      &platform.EmbedFooter{Text: "footer"},
		Fields:      []platform.EmbedField{{Name: "n", Value: "v", Inline: true}},
		ImageURL:    "https://example.com/i.png",
		Timestamp:   &when,
	}})
	if len(embeds) != 1 {
		t.Fatalf("embeds = %d", len(embeds))
	}
	e := embeds[0]
	if e.Title != "Release" || e.URL != "https://example.com" || e.Color != 0x00ff00 {
		t.Fatalf("embed = %+v", e)
	}
	if e.Author == nil || e.Author.Name != "bot" || e.Footer == nil || e.Footer.Text != "footer" {
		t.Fatalf("author/footer = %+v / %+v", e.Author, e.Footer)
	}
	if len(e.Fields) != 1 || !e.Fields[0].Inline {
		t.Fatalf("fields = %+v", e.Fields)
	}
	if e.Image == nil || e.Image.URL != "https://example.com/i.png" {
		t.Fatalf("image = %+v", e.Image)
	}
	if e.Timestamp != "2026-03-01T12:00:00Z" {
		t.Fatalf("timestamp = %q", e.Timestamp)
	}
}

func TestBuildComponents(t *testing.T) {
	rows := buildComponents([][]platform.Button{
		{{Label: "Yes", Value: "yes"}, {Label: "Docs", URL: "https://example.com/docs"}},
		{{Label: "No", Value: "no"}},
	})
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	first, ok := rows[0].(discordgo.ActionsRow)
	if !ok || len(first.Components) != 2 {
		t.Fatalf("first row = %+v", rows[0])
	}
	yes := first.Components[0].(discordgo.Button)
	if yes.CustomID != "yes" || yes.Style != discordgo.PrimaryButton {
		t.Fatalf("value button = %+v", yes)
	}
	docs := first.Components[1].(discordgo.Button)
	if docs.URL != "https://example.com/docs" || docs.Style != discordgo.LinkButton || docs.CustomID != "" {
		t.Fatalf("link button = %+v", docs)
	}
}

func TestBuildFiles(t *testing.T) {
	data := base64.StdEncoding.EncodeToString([]byte("payload"))
	files, links, warnings := buildFiles([]platform.PreparedAttachment{
		{Attachment: platform.Attachment{Data: data, Filename: "a.txt", MimeType: "text/plain"}},
		{Attachment: platform.Attachment{URL: "https://example.com/b.png", Caption: "chart"}},
		{Attachment: platform.Attachment{Data: "!!not-base64!!", Filename: "broken"}},
	})
	if len(files) != 1 || files[0].Name != "a.txt" || files[0].ContentType != "text/plain" {
		t.Fatalf("files = %+v", files)
	}
	if links != "chart: https://example.com/b.png" {
		t.Fatalf("links = %q", links)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestCollectAttachments(t *testing.T) {
	got := collectAttachments(&discordgo.Message{Attachments: []*discordgo.MessageAttachment{
		{URL: "https://cdn.example.com/f.png", Filename: "f.png", ContentType: "image/png"},
	}})
	if len(got) != 1 || got[0].URL != "https://cdn.example.com/f.png" || got[0].MimeType != "image/png" {
		t.Fatalf("attachments = %+v", got)
	}
	if collectAttachments(nil) != nil {
		t.Fatal("nil message should yield nil")
	}
}
