package lark

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher/callback"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

func (a *Adapter) envelopeFromMessage(ctx context.Context, inst platform.Instance, cfg config, event *larkim.P2MessageReceiveV1) (platform.Envelope, bool) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return platform.Envelope{}, false
	}
	message := event.Event.Message

	messageID := deref(message.MessageId)
	chatID := deref(message.ChatId)
	msgType := deref(message.MessageType)

	var contentMap map[string]any
	if message.Content != nil {
		if err := json.Unmarshal([]byte(*message.Content), &contentMap); err != nil {
			a.logger.Warn("unmarshal inbound content failed",
				slog.String("message_id", messageID),
				slog.Any("error", err))
		}
	}

	text := ""
	var attachments []platform.Attachment
	switch msgType {
	case larkim.MsgTypeText:
		text, _ = contentMap["text"].(string)
	case larkim.MsgTypePost:
		text = extractPostText(contentMap)
	case larkim.MsgTypeImage:
		if key, ok := contentMap["image_key"].(string); ok {
			attachments = a.appendResource(ctx, inst, cfg, attachments, messageID, key, "image", "", "image/png")
		}
	case larkim.MsgTypeFile, larkim.MsgTypeAudio, larkim.MsgTypeMedia:
		if key, ok := contentMap["file_key"].(string); ok {
			name, _ := contentMap["file_name"].(string)
			attachments = a.appendResource(ctx, inst, cfg, attachments, messageID, key, "file", name, "")
		}
	}
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return platform.Envelope{}, false
	}

	user := platform.User{}
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil {
		if event.Event.Sender.SenderId.OpenId != nil {
			user.ProviderUserID = strings.TrimSpace(*event.Event.Sender.SenderId.OpenId)
		}
		if user.ProviderUserID == "" && event.Event.Sender.SenderId.UserId != nil {
			user.ProviderUserID = strings.TrimSpace(*event.Event.Sender.SenderId.UserId)
		}
	}

	raw := map[string]any{"chat_type": deref(message.ChatType)}
	if parentID := deref(message.ParentId); parentID != "" {
		raw["parent_id"] = parentID
	}
	return platform.NewEnvelope(platform.Envelope{
		Platform:   Type,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		ThreadID:   chatID,
		User:       user,
		Content: platform.Content{
			Text:        text,
			Attachments: attachments,
		},
		Meta: platform.ProviderMeta{
			EventID: messageID,
			Raw:     raw,
		},
	}), true
}

// appendResource downloads a message resource and carries it inline; user
// uploads are only reachable through the message-resource API. Failures skip
// the attachment with a warning.
func (a *Adapter) appendResource(ctx context.Context, inst platform.Instance, cfg config, attachments []platform.Attachment, messageID, fileKey, resourceType, filename, mime string) []platform.Attachment {
	data, err := a.fetchResource(ctx, cfg, messageID, fileKey, resourceType)
	if err != nil {
		a.logger.Warn("fetch message resource failed",
			slog.String("instance_id", inst.ID),
			slog.String("message_id", messageID),
			slog.Any("error", err))
		return attachments
	}
	return append(attachments, platform.Attachment{
		Data:     data,
		Filename: strings.TrimSpace(filename),
		MimeType: mime,
	})
}

func (a *Adapter) fetchResource(ctx context.Context, cfg config, messageID, fileKey, resourceType string) (string, error) {
	client := a.client(cfg)
	req := larkim.NewGetMessageResourceReqBuilder().
		MessageId(messageID).
		FileKey(fileKey).
		Type(resourceType).
		Build()
	resp, err := client.Im.V1.MessageResource.Get(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark resource download failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.File == nil {
		return "", fmt.Errorf("lark resource download returned no payload")
	}
	payload, err := io.ReadAll(io.LimitReader(resp.File, maxAttachmentBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(payload)) > maxAttachmentBytes {
		return "", fmt.Errorf("resource exceeds %d bytes", maxAttachmentBytes)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// extractPostText flattens a rich-text post into plain text, keeping text,
// link labels, and mentions.
func extractPostText(contentMap map[string]any) string {
	lines, ok := contentMap["content"].([]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, rawLine := range lines {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			text, _ := part["text"].(string)
			text = strings.TrimSpace(text)
			tag, _ := part["tag"].(string)
			if strings.EqualFold(strings.TrimSpace(tag), "at") && text != "" && !strings.HasPrefix(text, "@") {
				text = "@" + text
			}
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, " ")
}

func reactionEventFromCreated(inst platform.Instance, event *larkim.P2MessageReactionCreatedV1) ingest.ReactionEvent {
	if event == nil || event.Event == nil {
		return ingest.ReactionEvent{}
	}
	e := event.Event
	return ingest.ReactionEvent{
		TenantID:          inst.TenantID,
		InstanceID:        inst.ID,
		Platform:          Type,
		ProviderMessageID: deref(e.MessageId),
		UserID:            reactionUserID(e.UserId),
		Emoji:             emojiType(e.ReactionType),
		Kind:              ingest.ReactionAdded,
		OccurredAt:        reactionTime(e.ActionTime),
	}
}

func reactionEventFromDeleted(inst platform.Instance, event *larkim.P2MessageReactionDeletedV1) ingest.ReactionEvent {
	if event == nil || event.Event == nil {
		return ingest.ReactionEvent{}
	}
	e := event.Event
	return ingest.ReactionEvent{
		TenantID:          inst.TenantID,
		InstanceID:        inst.ID,
		Platform:          Type,
		ProviderMessageID: deref(e.MessageId),
		UserID:            reactionUserID(e.UserId),
		Emoji:             emojiType(e.ReactionType),
		Kind:              ingest.ReactionRemoved,
		OccurredAt:        reactionTime(e.ActionTime),
	}
}

func reactionUserID(id *larkim.UserId) string {
	if id == nil {
		return ""
	}
	if id.OpenId != nil && strings.TrimSpace(*id.OpenId) != "" {
		return strings.TrimSpace(*id.OpenId)
	}
	return deref(id.UserId)
}

func emojiType(emoji *larkim.Emoji) string {
	if emoji == nil {
		return ""
	}
	return deref(emoji.EmojiType)
}

// reactionTime parses the millisecond action timestamp, falling back to now.
func reactionTime(raw *string) time.Time {
	if raw != nil {
		if ms, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Now().UTC()
}

// registerCardActionHandler wires card button clicks into the inbound flow
// as button-click envelopes.
func registerCardActionHandler(d *dispatcher.EventDispatcher, emit func(platform.Envelope)) {
	d.OnP2CardActionTrigger(func(_ context.Context, event *callback.CardActionTriggerEvent) (*callback.CardActionTriggerResponse, error) {
		if event == nil || event.Event == nil || event.Event.Action == nil {
			return &callback.CardActionTriggerResponse{}, nil
		}
		value := ""
		if raw, ok := event.Event.Action.Value["action"].(string); ok {
			value = strings.TrimSpace(raw)
		}
		if value == "" {
			return &callback.CardActionTriggerResponse{}, nil
		}
		userID := ""
		if event.Event.Operator != nil {
			userID = strings.TrimSpace(event.Event.Operator.OpenID)
			if userID == "" && event.Event.Operator.UserID != nil {
				userID = strings.TrimSpace(*event.Event.Operator.UserID)
			}
		}
		chatID := ""
		messageID := ""
		if event.Event.Context != nil {
			chatID = strings.TrimSpace(event.Event.Context.OpenChatID)
			messageID = strings.TrimSpace(event.Event.Context.OpenMessageID)
		}
		emit(platform.NewEnvelope(platform.Envelope{
			Platform: Type,
			ThreadID: chatID,
			User:     platform.User{ProviderUserID: userID},
			Action: &platform.EnvelopeAction{
				Type:  ingest.ActionButtonClick,
				Value: value,
			},
			Meta: platform.ProviderMeta{
				EventID: messageID,
				Raw:     map[string]any{"message_id": messageID},
			},
		}))
		return &callback.CardActionTriggerResponse{}, nil
	})
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
