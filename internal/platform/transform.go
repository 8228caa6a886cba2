package platform

import (
	"fmt"
	"strings"
	"time"

	"github.com/msgcore/msgcore/internal/guard"
)

// PreparedAttachment is an attachment that passed the guard, with its
// resolved MIME type, platform kind, and decoded size.
type PreparedAttachment struct {
	Attachment
	Kind AttachmentKind
	Size int64
}

// TransformResult is platform-ready content produced from canonical rich
// content under one platform's limits. Warnings record every item that was
// dropped or clamped; they never fail the send.
type TransformResult struct {
	Text        string
	Embeds      []Embed
	ButtonRows  [][]Button
	Attachments []PreparedAttachment
	Warnings    []string
}

// HasButtons reports whether any button survived packing.
func (r TransformResult) HasButtons() bool {
	return len(r.ButtonRows) > 0
}

// TransformContent converts canonical content into the shape one platform can
// deliver. Individual malformed items are skipped with a warning; the only
// terminal failure is content with nothing usable left, which returns
// EmptyMessage.
func TransformContent(content Content, limits Limits) (TransformResult, error) {
	var result TransformResult

	text := strings.TrimSpace(content.Text)

	embeds, flattened, embedWarnings := transformEmbeds(content.Embeds, limits)
	result.Warnings = append(result.Warnings, embedWarnings...)
	if limits.NativeEmbeds {
		result.Embeds = embeds
	} else if flattened != "" {
		if text != "" {
			text = text + "\n\n" + flattened
		} else {
			text = flattened
		}
	}

	rows, buttonWarnings := packButtons(content.Buttons, limits)
	result.Warnings = append(result.Warnings, buttonWarnings...)
	result.ButtonRows = rows

	prepared, attWarnings := prepareAttachments(content.Attachments, limits)
	result.Warnings = append(result.Warnings, attWarnings...)
	result.Attachments = prepared

	result.Text = text
	if result.Text == "" && len(result.Embeds) == 0 && len(result.Attachments) == 0 && !result.HasButtons() {
		return TransformResult{Warnings: result.Warnings}, NewError(CodeEmptyMessage, "message has no deliverable content")
	}
	return result, nil
}

// transformEmbeds clamps embeds to the platform limits and drops unsafe
// URLs. For platforms without native embeds it returns a flattened markup
// rendering instead; at most one image survives across the whole flattened
// output and it is the first embed's.
func transformEmbeds(embeds []Embed, limits Limits) ([]Embed, string, []string) {
	if len(embeds) == 0 {
		return nil, "", nil
	}
	var warnings []string
	maxEmbeds := limits.MaxEmbeds
	if maxEmbeds <= 0 {
		maxEmbeds = len(embeds)
	}
	if len(embeds) > maxEmbeds {
		warnings = append(warnings, fmt.Sprintf("dropped %d embeds over the platform max of %d", len(embeds)-maxEmbeds, maxEmbeds))
		embeds = embeds[:maxEmbeds]
	}
	cleaned := make([]Embed, 0, len(embeds))
	for idx, embed := range embeds {
		item, itemWarnings := sanitizeEmbed(embed, limits, idx)
		warnings = append(warnings, itemWarnings...)
		cleaned = append(cleaned, item)
	}
	if limits.NativeEmbeds {
		return cleaned, "", warnings
	}
	return nil, flattenEmbeds(cleaned), warnings
}

func sanitizeEmbed(embed Embed, limits Limits, idx int) (Embed, []string) {
	var warnings []string
	dropURL := func(raw, what string) string {
		if strings.TrimSpace(raw) == "" {
			return ""
		}
		if err := guard.ValidateURL(raw, guard.PurposeEmbed); err != nil {
			warnings = append(warnings, fmt.Sprintf("embed %d: dropped %s url: %v", idx, what, err))
			return ""
		}
		return strings.TrimSpace(raw)
	}
	embed.TitleURL = dropURL(embed.TitleURL, "title")
	embed.ImageURL = dropURL(embed.ImageURL, "image")
	embed.ThumbnailURL = dropURL(embed.ThumbnailURL, "thumbnail")
	if embed.Author != nil {
		author := *embed.Author
		author.URL = dropURL(author.URL, "author")
		author.IconURL = dropURL(author.IconURL, "author icon")
		embed.Author = &author
	}
	if embed.Footer != nil {
		footer := *embed.Footer
		footer.IconURL = dropURL(footer.IconURL, "footer icon")
		embed.Footer = &footer
	}
	if limits.MaxEmbedFields > 0 && len(embed.Fields) > limits.MaxEmbedFields {
		warnings = append(warnings, fmt.Sprintf("embed %d: truncated %d fields to the platform max of %d", idx, len(embed.Fields), limits.MaxEmbedFields))
		embed.Fields = embed.Fields[:limits.MaxEmbedFields]
	}
	return embed, warnings
}

// flattenEmbeds renders embeds as markup text with explicit section
// separators. Inline fields are grouped two per line since markup has no
// true inline layout.
func flattenEmbeds(embeds []Embed) string {
	sections := make([]string, 0, len(embeds))
	imageUsed := false
	for _, embed := range embeds {
		var b strings.Builder
		if embed.Author != nil && strings.TrimSpace(embed.Author.Name) != "" {
			b.WriteString(embed.Author.Name)
			b.WriteString("\n")
		}
		if strings.TrimSpace(embed.Title) != "" {
			if embed.TitleURL != "" {
				fmt.Fprintf(&b, "**[%s](%s)**\n", embed.Title, embed.TitleURL)
			} else {
				fmt.Fprintf(&b, "**%s**\n", embed.Title)
			}
		}
		if strings.TrimSpace(embed.Description) != "" {
			b.WriteString(embed.Description)
			b.WriteString("\n")
		}
		writeFlattenedFields(&b, embed.Fields)
		if embed.ImageURL != "" && !imageUsed {
			fmt.Fprintf(&b, "%s\n", embed.ImageURL)
			imageUsed = true
		}
		if embed.Footer != nil && strings.TrimSpace(embed.Footer.Text) != "" {
			fmt.Fprintf(&b, "_%s_\n", embed.Footer.Text)
		}
		if embed.Timestamp != nil {
			fmt.Fprintf(&b, "_%s_\n", embed.Timestamp.UTC().Format(time.RFC3339))
		}
		section := strings.TrimSpace(b.String())
		if section != "" {
			sections = append(sections, section)
		}
	}
	return strings.Join(sections, "\n---\n")
}

func writeFlattenedFields(b *strings.Builder, fields []EmbedField) {
	var inlinePair []EmbedField
	flushInline := func() {
		if len(inlinePair) == 0 {
			return
		}
		parts := make([]string, 0, len(inlinePair))
		for _, f := range inlinePair {
			parts = append(parts, fmt.Sprintf("**%s**: %s", f.Name, f.Value))
		}
		b.WriteString(strings.Join(parts, " | "))
		b.WriteString("\n")
		inlinePair = inlinePair[:0]
	}
	for _, field := range fields {
		if field.Inline {
			inlinePair = append(inlinePair, field)
			if len(inlinePair) == 2 {
				flushInline()
			}
			continue
		}
		flushInline()
		fmt.Fprintf(b, "**%s**\n%s\n", field.Name, field.Value)
	}
	flushInline()
}

// packButtons validates buttons through the guard and packs survivors into
// rows under the platform's row/column caps. Overflow is truncated, never an
// error.
func packButtons(buttons []Button, limits Limits) ([][]Button, []string) {
	if len(buttons) == 0 {
		return nil, nil
	}
	var warnings []string
	usable := make([]Button, 0, len(buttons))
	for idx, button := range buttons {
		if strings.TrimSpace(button.Label) == "" {
			warnings = append(warnings, fmt.Sprintf("button %d: dropped, label is required", idx))
			continue
		}
		if button.IsURL() {
			var err error
			if limits.ButtonURLSchemeHTTPSOnly {
				err = guard.ValidateHTTPSURL(button.URL, guard.PurposeButton)
			} else {
				err = guard.ValidateURL(button.URL, guard.PurposeButton)
			}
			if err != nil {
				warnings = append(warnings, fmt.Sprintf("button %d (%s): dropped: %v", idx, button.Label, err))
				continue
			}
		} else if strings.TrimSpace(button.Value) == "" {
			warnings = append(warnings, fmt.Sprintf("button %d (%s): dropped, value or url is required", idx, button.Label))
			continue
		} else if strings.TrimSpace(button.URL) != "" {
			// Value button with a URL fallback still gets the SSRF screen.
			if err := guard.ValidateURL(button.URL, guard.PurposeButton); err != nil {
				warnings = append(warnings, fmt.Sprintf("button %d (%s): dropped fallback url: %v", idx, button.Label, err))
				button.URL = ""
			}
		}
		usable = append(usable, button)
	}
	if len(usable) == 0 {
		return nil, warnings
	}
	perRow := limits.ButtonsPerRow
	if perRow <= 0 {
		perRow = len(usable)
	}
	maxRows := limits.MaxButtonRows
	if maxRows <= 0 {
		maxRows = 1
	}
	maxButtons := limits.MaxButtons
	if maxButtons <= 0 || maxButtons > perRow*maxRows {
		maxButtons = perRow * maxRows
	}
	if len(usable) > maxButtons {
		warnings = append(warnings, fmt.Sprintf("truncated %d buttons to the platform max of %d", len(usable), maxButtons))
		usable = usable[:maxButtons]
	}
	rows := make([][]Button, 0, (len(usable)+perRow-1)/perRow)
	for start := 0; start < len(usable); start += perRow {
		end := start + perRow
		if end > len(usable) {
			end = len(usable)
		}
		rows = append(rows, usable[start:end])
	}
	return rows, warnings
}

// prepareAttachments runs each attachment through the guard, resolves its
// MIME type and kind, and enforces the platform size limit. Bad items are
// skipped with a warning.
func prepareAttachments(attachments []Attachment, limits Limits) ([]PreparedAttachment, []string) {
	if len(attachments) == 0 {
		return nil, nil
	}
	var warnings []string
	prepared := make([]PreparedAttachment, 0, len(attachments))
	for idx, att := range attachments {
		label := strings.TrimSpace(att.Filename)
		if label == "" {
			label = fmt.Sprintf("attachment %d", idx)
		}
		if !att.HasSource() {
			warnings = append(warnings, fmt.Sprintf("%s: skipped, no url or data", label))
			continue
		}
		item := PreparedAttachment{Attachment: att}
		if strings.TrimSpace(att.URL) != "" {
			if err := guard.ValidateURL(att.URL, guard.PurposeAttachment); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: skipped: %v", label, err))
				continue
			}
			// URL attachments are fetched by the backend; the data field is
			// ignored when both are present.
			item.Data = ""
		} else {
			if err := guard.ValidateBase64(att.Data, limits.MaxAttachmentBytes); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: skipped: %v", label, err))
				continue
			}
			item.Size = guard.DecodedSize(att.Data)
			// Adapters decode with the standard encoder, so any data-URI
			// prefix is shed here.
			item.Data = guard.StripDataURI(att.Data)
		}
		item.MimeType = guard.DetectMimeType(guard.MimeHints{
			URL:      att.URL,
			Data:     att.Data,
			Filename: att.Filename,
			Provided: att.MimeType,
		})
		item.Kind = ClassifyAttachmentKind(item.MimeType)
		prepared = append(prepared, item)
	}
	return prepared, warnings
}

// ClassifyAttachmentKind maps a MIME type to the platform attachment family.
// Anything that is not image, video, or audio ships as a document.
func ClassifyAttachmentKind(mime string) AttachmentKind {
	normalized := strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(normalized, "image/"):
		return AttachmentImage
	case strings.HasPrefix(normalized, "video/"):
		return AttachmentVideo
	case strings.HasPrefix(normalized, "audio/"):
		return AttachmentAudio
	default:
		return AttachmentDocument
	}
}

// GroupAttachments batches consecutive same-kind URL attachments for
// platforms with media-group support. Base64 sources and kind changes break
// the batch; every group is capped at the platform group size.
func GroupAttachments(prepared []PreparedAttachment, limits Limits) [][]PreparedAttachment {
	if len(prepared) == 0 {
		return nil
	}
	if limits.MediaGroupSize <= 1 {
		groups := make([][]PreparedAttachment, 0, len(prepared))
		for _, item := range prepared {
			groups = append(groups, []PreparedAttachment{item})
		}
		return groups
	}
	var groups [][]PreparedAttachment
	var current []PreparedAttachment
	flush := func() {
		if len(current) > 0 {
			groups = append(groups, current)
			current = nil
		}
	}
	for _, item := range prepared {
		groupable := strings.TrimSpace(item.URL) != "" &&
			(item.Kind == AttachmentImage || item.Kind == AttachmentVideo)
		if !groupable {
			flush()
			groups = append(groups, []PreparedAttachment{item})
			continue
		}
		if len(current) > 0 {
			prev := current[len(current)-1]
			if prev.Kind != item.Kind || len(current) >= limits.MediaGroupSize {
				flush()
			}
		}
		current = append(current, item)
	}
	flush()
	return groups
}
