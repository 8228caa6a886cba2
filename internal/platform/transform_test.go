package platform_test

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/msgcore/msgcore/internal/platform"
)

func nativeLimits() platform.Limits {
	return platform.Limits{
		MaxEmbeds:          10,
		MaxEmbedFields:     25,
		MaxButtons:         25,
		ButtonsPerRow:      5,
		MaxButtonRows:      5,
		MaxAttachmentBytes: 25 * 1024 * 1024,
		NativeEmbeds:       true,
		InlineFields:       true,
	}
}

func markupLimits() platform.Limits {
	return platform.Limits{
		MaxEmbeds:          10,
		MaxEmbedFields:     25,
		MaxButtons:         100,
		ButtonsPerRow:      2,
		MaxButtonRows:      50,
		MaxAttachmentBytes: 50 * 1024 * 1024,
		MediaGroupSize:     10,
	}
}

func TestTransformContentEmpty(t *testing.T) {
	t.Parallel()
	_, err := platform.TransformContent(platform.Content{Text: "   "}, nativeLimits())
	if !errors.Is(err, platform.ErrEmptyMessage) {
		t.Fatalf("empty content = %v, want EmptyMessage", err)
	}
}

func TestTransformContentAllItemsDroppedIsEmpty(t *testing.T) {
	t.Parallel()
	content := platform.Content{
		Attachments: []platform.Attachment{{URL: "http://169.254.169.254/secret"}},
	}
	_, err := platform.TransformContent(content, nativeLimits())
	if !errors.Is(err, platform.ErrEmptyMessage) {
		t.Fatalf("all-dropped content = %v, want EmptyMessage", err)
	}
}

func TestTransformEmbedFieldTruncation(t *testing.T) {
	t.Parallel()
	fields := make([]platform.EmbedField, 30)
	for i := range fields {
		fields[i] = platform.EmbedField{Name: fmt.Sprintf("f%d", i), Value: "v"}
	}
	content := platform.Content{Embeds: []platform.Embed{{Title: "stats", Fields: fields}}}
	result, err := platform.TransformContent(content, nativeLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(result.Embeds) != 1 || len(result.Embeds[0].Fields) != 25 {
		t.Fatalf("got %d embeds / %d fields, want 1 / 25", len(result.Embeds), len(result.Embeds[0].Fields))
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected a truncation warning")
	}
}

func TestTransformEmbedDropsUnsafeURLsNonFatally(t *testing.T) {
	t.Parallel()
	content := platform.Content{Embeds: []platform.Embed{{
		Title:    "report",
		TitleURL: "http://10.0.0.1/internal",
		ImageURL: "https://cdn.example.com/chart.png",
		Author:   &platform.EmbedAuthor{Name: "ops", IconURL: "http://192.168.0.1/icon.png"},
	}}}
	result, err := platform.TransformContent(content, nativeLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	embed := result.Embeds[0]
	if embed.TitleURL != "" {
		t.Fatalf("unsafe title url kept: %q", embed.TitleURL)
	}
	if embed.ImageURL != "https://cdn.example.com/chart.png" {
		t.Fatalf("safe image url lost: %q", embed.ImageURL)
	}
	if embed.Author.IconURL != "" {
		t.Fatalf("unsafe author icon kept: %q", embed.Author.IconURL)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %v", len(result.Warnings), result.Warnings)
	}
}

func TestTransformFlattensEmbedsWithoutNativeSupport(t *testing.T) {
	t.Parallel()
	content := platform.Content{Embeds: []platform.Embed{
		{
			Title:       "first",
			Description: "alpha",
			ImageURL:    "https://cdn.example.com/one.png",
			Fields: []platform.EmbedField{
				{Name: "a", Value: "1", Inline: true},
				{Name: "b", Value: "2", Inline: true},
				{Name: "c", Value: "3"},
			},
		},
		{Title: "second", ImageURL: "https://cdn.example.com/two.png"},
	}}
	result, err := platform.TransformContent(content, markupLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(result.Embeds) != 0 {
		t.Fatalf("markup platform still produced native embeds")
	}
	if !strings.Contains(result.Text, "**first**") || !strings.Contains(result.Text, "**second**") {
		t.Fatalf("flattened text missing titles: %q", result.Text)
	}
	if !strings.Contains(result.Text, "\n---\n") {
		t.Fatalf("flattened text missing section separator: %q", result.Text)
	}
	if !strings.Contains(result.Text, "**a**: 1 | **b**: 2") {
		t.Fatalf("inline fields not grouped two per line: %q", result.Text)
	}
	if !strings.Contains(result.Text, "one.png") {
		t.Fatalf("first embed image missing: %q", result.Text)
	}
	if strings.Contains(result.Text, "two.png") {
		t.Fatalf("more than one image in flattened output: %q", result.Text)
	}
}

func TestPackButtonsRowsAndTruncation(t *testing.T) {
	t.Parallel()
	buttons := make([]platform.Button, 30)
	for i := range buttons {
		buttons[i] = platform.Button{Label: fmt.Sprintf("b%d", i), Value: fmt.Sprintf("v%d", i)}
	}
	result, err := platform.TransformContent(platform.Content{Text: "pick", Buttons: buttons}, nativeLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(result.ButtonRows) != 5 {
		t.Fatalf("got %d rows, want 5", len(result.ButtonRows))
	}
	total := 0
	for _, row := range result.ButtonRows {
		if len(row) > 5 {
			t.Fatalf("row has %d buttons, max is 5", len(row))
		}
		total += len(row)
	}
	if total != 25 {
		t.Fatalf("kept %d buttons, want 25", total)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected truncation warning")
	}
}

func TestPackButtonsURLValidation(t *testing.T) {
	t.Parallel()
	limits := nativeLimits()
	limits.ButtonURLSchemeHTTPSOnly = true
	content := platform.Content{Text: "links", Buttons: []platform.Button{
		{Label: "ok", URL: "https://example.com/docs"},
		{Label: "plain http", URL: "http://example.com/docs"},
		{Label: "internal", URL: "https://169.254.169.254/"},
		{Label: "value", Value: "act:1"},
	}}
	result, err := platform.TransformContent(content, limits)
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	var kept []string
	for _, row := range result.ButtonRows {
		for _, b := range row {
			kept = append(kept, b.Label)
		}
	}
	if len(kept) != 2 || kept[0] != "ok" || kept[1] != "value" {
		t.Fatalf("kept buttons = %v, want [ok value]", kept)
	}
	if len(result.Warnings) != 2 {
		t.Fatalf("got %d warnings, want 2: %v", len(result.Warnings), result.Warnings)
	}
}

func TestPrepareAttachmentsSkipsBadItems(t *testing.T) {
	t.Parallel()
	content := platform.Content{Attachments: []platform.Attachment{
		{URL: "https://cdn.example.com/photo.jpg"},
		{URL: "http://127.0.0.1/leak.png"},
		{Data: "aGVsbG8=", Filename: "note.txt"},
		{Data: "!!! not base64", Filename: "bad.bin"},
		{Filename: "empty.bin"},
	}}
	result, err := platform.TransformContent(content, nativeLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(result.Attachments) != 2 {
		t.Fatalf("kept %d attachments, want 2", len(result.Attachments))
	}
	if result.Attachments[0].Kind != platform.AttachmentImage {
		t.Fatalf("photo classified as %q", result.Attachments[0].Kind)
	}
	if result.Attachments[1].MimeType != "text/plain" {
		t.Fatalf("note mime = %q", result.Attachments[1].MimeType)
	}
	if len(result.Warnings) != 3 {
		t.Fatalf("got %d warnings, want 3: %v", len(result.Warnings), result.Warnings)
	}
}

func TestGroupAttachments(t *testing.T) {
	t.Parallel()
	limits := markupLimits()
	prepared := []platform.PreparedAttachment{
		{Attachment: platform.Attachment{URL: "https://e.com/1.jpg"}, Kind: platform.AttachmentImage},
		{Attachment: platform.Attachment{URL: "https://e.com/2.jpg"}, Kind: platform.AttachmentImage},
		{Attachment: platform.Attachment{URL: "https://e.com/3.mp4"}, Kind: platform.AttachmentVideo},
		{Attachment: platform.Attachment{Data: "aGVsbG8="}, Kind: platform.AttachmentImage},
		{Attachment: platform.Attachment{URL: "https://e.com/d.pdf"}, Kind: platform.AttachmentDocument},
	}
	groups := platform.GroupAttachments(prepared, limits)
	if len(groups) != 4 {
		t.Fatalf("got %d groups, want 4", len(groups))
	}
	if len(groups[0]) != 2 {
		t.Fatalf("first group has %d items, want 2 images", len(groups[0]))
	}
	// Sequential fallback when the platform has no media groups.
	single := platform.GroupAttachments(prepared, nativeLimits())
	if len(single) != len(prepared) {
		t.Fatalf("got %d singleton groups, want %d", len(single), len(prepared))
	}
}

func TestValidateCapabilities(t *testing.T) {
	t.Parallel()
	caps := platform.Capabilities{Text: true, Attachments: true}
	if err := platform.ValidateCapabilities(caps, platform.Content{Text: "hi"}); err != nil {
		t.Fatalf("text rejected: %v", err)
	}
	if err := platform.ValidateCapabilities(caps, platform.Content{Text: "hi", Buttons: []platform.Button{{Label: "x", Value: "y"}}}); err == nil {
		t.Fatalf("buttons accepted on a platform without button support")
	}
}

func TestChunkTextRuneBoundaries(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("héllo wörld\n", 400)
	chunks := platform.ChunkText(text, 2000)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if got := len([]rune(chunk)); got > 2000 {
			t.Fatalf("chunk %d has %d runes", i, got)
		}
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()
	if got := platform.TruncateRunes("héllo", 10); got != "héllo" {
		t.Fatalf("short text changed: %q", got)
	}
	got := platform.TruncateRunes(strings.Repeat("é", 50), 10)
	if len([]rune(got)) != 10 {
		t.Fatalf("truncated to %d runes, want 10", len([]rune(got)))
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("missing ellipsis: %q", got)
	}
}

func TestPrepareAttachmentsStripsDataURI(t *testing.T) {
	t.Parallel()
	content := platform.Content{
		Attachments: []platform.Attachment{
			{Filename: "pixel.png", Data: "data:image/png;base64,aGVsbG8="},
		},
	}
	result, err := platform.TransformContent(content, nativeLimits())
	if err != nil {
		t.Fatalf("transform failed: %v", err)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", result.Warnings)
	}
	if len(result.Attachments) != 1 {
		t.Fatalf("prepared %d attachments, want 1", len(result.Attachments))
	}
	att := result.Attachments[0]
	if att.MimeType != "image/png" {
		t.Fatalf("mime = %q, want image/png", att.MimeType)
	}
	if att.Kind != platform.AttachmentImage {
		t.Fatalf("kind = %q, want image", att.Kind)
	}
	// Adapters hand the prepared data straight to the standard decoder.
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		t.Fatalf("prepared data not decodable: %v", err)
	}
	if string(decoded) != "hello" {
		t.Fatalf("decoded = %q, want hello", decoded)
	}
}

func TestClassifyAttachmentKind(t *testing.T) {
	t.Parallel()
	cases := map[string]platform.AttachmentKind{
		"image/png":       platform.AttachmentImage,
		"video/mp4":       platform.AttachmentVideo,
		"audio/ogg":       platform.AttachmentAudio,
		"application/pdf": platform.AttachmentDocument,
		"text/plain":      platform.AttachmentDocument,
		"":                platform.AttachmentDocument,
	}
	for mime, want := range cases {
		if got := platform.ClassifyAttachmentKind(mime); got != want {
			t.Fatalf("ClassifyAttachmentKind(%q) = %q, want %q", mime, got, want)
		}
	}
}
