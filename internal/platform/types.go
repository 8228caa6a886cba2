// Package platform provides a unified abstraction over heterogeneous
// messaging backends. It defines the canonical message envelope, the adapter
// contract each backend implements, and the registries that manage per-tenant
// connections and provider capabilities.
package platform

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is stamped on every envelope created by this build.
const EnvelopeVersion = "1"

// PlatformType identifies a messaging backend (e.g., "telegram", "discord").
type PlatformType string

// String returns the platform type as a plain string.
func (p PlatformType) String() string {
	return string(p)
}

// ConnectionKey builds the composite identity under which a connection is
// registered. Format: tenant_id:instance_id.
func ConnectionKey(tenantID, instanceID string) string {
	return strings.TrimSpace(tenantID) + ":" + strings.TrimSpace(instanceID)
}

// User identifies the author of an inbound message on its home platform.
type User struct {
	ProviderUserID string `json:"provider_user_id"`
	Display        string `json:"display,omitempty"`
}

// ProviderMeta carries the backend's own identifiers for an inbound event.
// EventID (with tenant and instance) is the dedup key, never Envelope.ID.
type ProviderMeta struct {
	EventID string         `json:"event_id"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// EnvelopeAction records an interaction (button click) carried by an event.
type EnvelopeAction struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Envelope is the canonical, platform-agnostic representation of one inbound
// message. Immutable once constructed.
type Envelope struct {
	Version    string          `json:"version"`
	ID         string          `json:"id"`
	Timestamp  time.Time       `json:"timestamp"`
	Platform   PlatformType    `json:"platform"`
	TenantID   string          `json:"tenant_id"`
	InstanceID string          `json:"instance_id"`
	ThreadID   string          `json:"thread_id,omitempty"`
	User       User            `json:"user"`
	Content    Content         `json:"content"`
	Action     *EnvelopeAction `json:"action,omitempty"`
	Meta       ProviderMeta    `json:"provider_meta"`
}

// NewEnvelope stamps version, a fresh unique id, and the current timestamp
// onto a partially built envelope. Semantic validation belongs to callers.
func NewEnvelope(partial Envelope) Envelope {
	partial.Version = EnvelopeVersion
	partial.ID = uuid.NewString()
	if partial.Timestamp.IsZero() {
		partial.Timestamp = time.Now().UTC()
	}
	return partial
}

// AttachmentKind classifies an attachment by its media family.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment references binary content by URL or inline base64 data.
// Exactly one of URL/Data is authoritative; URL wins when both are set.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Source returns the authoritative content reference.
func (a Attachment) Source() string {
	if strings.TrimSpace(a.URL) != "" {
		return strings.TrimSpace(a.URL)
	}
	return a.Data
}

// HasSource reports whether the attachment carries any content reference.
func (a Attachment) HasSource() bool {
	return strings.TrimSpace(a.URL) != "" || strings.TrimSpace(a.Data) != ""
}

// EmbedAuthor is the author block of an embed.
type EmbedAuthor struct {
	Name    string `json:"name,omitempty"`
	URL     string `json:"url,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedFooter is the footer block of an embed.
type EmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// EmbedField is one titled value inside an embed body.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Embed is a structured rich-content fragment. Platforms without a native
// embed object receive a flattened markup rendering instead.
type Embed struct {
	Title        string       `json:"title,omitempty"`
	TitleURL     string       `json:"title_url,omitempty"`
	Description  string       `json:"description,omitempty"`
	Color        int          `json:"color,omitempty"`
	Author       *EmbedAuthor `json:"author,omitempty"`
	Footer       *EmbedFooter `json:"footer,omitempty"`
	Fields       []EmbedField `json:"fields,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
	ThumbnailURL string       `json:"thumbnail_url,omitempty"`
	Timestamp    *time.Time   `json:"timestamp,omitempty"`
}

// Button is an interactive element. Value buttons post back their value;
// URL buttons open a link. Presence of Value vs URL distinguishes the two.
type Button struct {
	Label string `json:"label"`
	Value string `json:"value,omitempty"`
	URL   string `json:"url,omitempty"`
}

// IsURL reports whether the button is a link button.
func (b Button) IsURL() bool {
	return strings.TrimSpace(b.URL) != "" && strings.TrimSpace(b.Value) == ""
}

// Content is the rich payload of a message, inbound or outbound.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Buttons     []Button     `json:"buttons,omitempty"`
	Embeds      []Embed      `json:"embeds,omitempty"`
}

// IsEmpty reports whether the content carries nothing deliverable.
func (c Content) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" &&
		len(c.Attachments) == 0 &&
		len(c.Buttons) == 0 &&
		len(c.Embeds) == 0
}

// TargetType distinguishes the addressing mode of a delivery target.
type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

// Target addresses one recipient of a send: a platform instance plus a
// platform-native destination id.
type Target struct {
	PlatformID string     `json:"platform_id" validate:"required"`
	Type       TargetType `json:"type,omitempty"`
	ID         string     `json:"id" validate:"required"`
}

// SendOptions tunes delivery of a whole request.
type SendOptions struct {
	ReplyTo   string     `json:"reply_to,omitempty"`
	Silent    bool       `json:"silent,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
}

// SendMetadata is caller-supplied tracking data carried on the job.
type SendMetadata struct {
	TrackingID string   `json:"tracking_id,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

// SendRequest is the unit of outbound work accepted by the delivery queue.
type SendRequest struct {
	Targets  []Target      `json:"targets" validate:"required,min=1,dive"`
	Content  Content       `json:"content"`
	Options  *SendOptions  `json:"options,omitempty"`
	Metadata *SendMetadata `json:"metadata,omitempty"`
}

// SendResult reports what one adapter send actually delivered.
type SendResult struct {
	ProviderMessageID string   `json:"provider_message_id,omitempty"`
	Warnings          []string `json:"warnings,omitempty"`
}

// ReactRequest is the input for adding or removing an emoji reaction.
// Emoji may be empty on Remove; the reaction protocol recovers it from
// reaction history when the backend did not report it.
type ReactRequest struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id" validate:"required"`
	Emoji     string `json:"emoji,omitempty"`
	Remove    bool   `json:"remove,omitempty"`
	// UserID scopes emoji recovery on remove to the reacting user.
	UserID string `json:"user_id,omitempty"`
}

// Instance is one tenant's configuration of a platform backend. Credentials
// arrive decrypted for the duration of an operation and are never persisted
// in plain form.
type Instance struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Platform     PlatformType   `json:"platform"`
	Credentials  map[string]any `json:"credentials,omitempty"`
	WebhookToken string         `json:"webhook_token,omitempty"`
	Disabled     bool           `json:"disabled"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Key returns the composite connection key for this instance.
func (i Instance) Key() string {
	return ConnectionKey(i.TenantID, i.ID)
}

// UpsertInstanceRequest is the input for creating or updating an instance.
// Disabled omitted is treated as false (enabled).
type UpsertInstanceRequest struct {
	Platform    PlatformType   `json:"platform" validate:"required"`
	Credentials map[string]any `json:"credentials" validate:"required"`
	Disabled    *bool          `json:"disabled,omitempty"`
}

// ConnectionStatus is a point-in-time snapshot of one connection's health.
type ConnectionStatus struct {
	InstanceID   string       `json:"instance_id"`
	TenantID     string       `json:"tenant_id"`
	Platform     PlatformType `json:"platform"`
	State        string       `json:"state"`
	LastActivity time.Time    `json:"last_activity,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}
