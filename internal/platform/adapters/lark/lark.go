package lark

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/msgcore/msgcore/internal/guard"
	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

// Type is the platform identifier for Lark (Feishu).
const Type = platform.PlatformType("lark")

const (
	maxTextRunes       = 4000
	maxCaptionRunes    = 2000
	maxAttachmentBytes = 30 * 1024 * 1024
)

// Adapter drives Lark through the open-platform API. Inbound events arrive
// through the webhook router by default; websocket-mode instances hold a
// long connection instead.
type Adapter struct {
	logger    *slog.Logger
	reactions ingest.ReactionSink

	mu       sync.RWMutex
	handlers map[string]platform.InboundHandler
}

func New(log *slog.Logger, reactions ingest.ReactionSink) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:    log.With(slog.String("adapter", "lark")),
		reactions: reactions,
		handlers:  make(map[string]platform.InboundHandler),
	}
}

func (a *Adapter) Type() platform.PlatformType { return Type }

func (a *Adapter) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        Type,
		DisplayName: "Lark",
		Capabilities: platform.Capabilities{
			Text:        true,
			Attachments: true,
			Embeds:      true,
			Buttons:     true,
			Reactions:   true,
			Reply:       true,
		},
		Limits: platform.Limits{
			MaxTextRunes:             maxTextRunes,
			MaxCaptionRunes:          maxCaptionRunes,
			MaxButtons:               30,
			ButtonsPerRow:            3,
			MaxButtonRows:            10,
			MaxAttachmentBytes:       maxAttachmentBytes,
			NativeEmbeds:             false,
			ButtonURLSchemeHTTPSOnly: true,
		},
		WebhookDriven: true,
	}
}

func (a *Adapter) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

func (a *Adapter) client(cfg config) *lark.Client {
	return lark.NewClient(cfg.AppID, cfg.AppSecret, lark.WithOpenBaseUrl(cfg.openBaseURL()))
}

// Connect registers the inbound handler for the instance. Webhook-mode
// instances stop there; websocket mode starts an event connection with
// reconnect backoff.
func (a *Adapter) Connect(ctx context.Context, inst platform.Instance, handler platform.InboundHandler) (platform.Connection, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return nil, err
	}
	key := inst.Key()
	a.mu.Lock()
	a.handlers[key] = handler
	a.mu.Unlock()
	a.logger.Info("connected",
		slog.String("instance_id", inst.ID),
		slog.String("mode", cfg.Mode))

	if cfg.Mode != ModeWebsocket {
		stop := func(_ context.Context) error {
			a.dropHandler(key)
			return nil
		}
		return platform.NewConnection(inst, stop), nil
	}

	connCtx, cancel := context.WithCancel(ctx)
	go func() {
		const reconnectDelay = 3 * time.Second
		for {
			if connCtx.Err() != nil {
				return
			}
			client := larkws.NewClient(
				cfg.AppID,
				cfg.AppSecret,
				larkws.WithEventHandler(a.buildDispatcher(connCtx, inst, cfg, handler)),
				larkws.WithDomain(cfg.openBaseURL()),
				larkws.WithLogger(&slogLarkLogger{log: a.logger}),
			)
			err := client.Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				a.logger.Error("event connection failed",
					slog.String("instance_id", inst.ID),
					slog.Any("error", err))
			} else {
				a.logger.Warn("event connection exited; reconnecting",
					slog.String("instance_id", inst.ID))
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()

	stop := func(_ context.Context) error {
		a.logger.Info("stop", slog.String("instance_id", inst.ID))
		a.dropHandler(key)
		cancel()
		return nil
	}
	return platform.NewConnection(inst, stop), nil
}

func (a *Adapter) dropHandler(key string) {
	a.mu.Lock()
	delete(a.handlers, key)
	a.mu.Unlock()
}

func (a *Adapter) handlerFor(key string) (platform.InboundHandler, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	handler, ok := a.handlers[key]
	return handler, ok
}

func (a *Adapter) buildDispatcher(ctx context.Context, inst platform.Instance, cfg config, handler platform.InboundHandler) *dispatcher.EventDispatcher {
	d := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey)
	d.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		if ctx.Err() != nil {
			return nil
		}
		env, ok := a.envelopeFromMessage(ctx, inst, cfg, event)
		if !ok {
			return nil
		}
		if err := handler(ctx, inst, env); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err))
		}
		return nil
	})
	d.OnP2MessageReactionCreatedV1(func(_ context.Context, event *larkim.P2MessageReactionCreatedV1) error {
		a.forwardReaction(ctx, inst, reactionEventFromCreated(inst, event))
		return nil
	})
	d.OnP2MessageReactionDeletedV1(func(_ context.Context, event *larkim.P2MessageReactionDeletedV1) error {
		a.forwardReaction(ctx, inst, reactionEventFromDeleted(inst, event))
		return nil
	})
	d.OnP2MessageReadV1(func(_ context.Context, _ *larkim.P2MessageReadV1) error {
		return nil
	})
	registerCardActionHandler(d, func(env platform.Envelope) {
		if ctx.Err() != nil {
			return
		}
		env.Platform = Type
		env.TenantID = inst.TenantID
		env.InstanceID = inst.ID
		if err := handler(ctx, inst, env); err != nil {
			a.logger.Error("handle button click failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err))
		}
	})
	return d
}

func (a *Adapter) forwardReaction(ctx context.Context, inst platform.Instance, event ingest.ReactionEvent) {
	if a.reactions == nil || event.ProviderMessageID == "" || ctx.Err() != nil {
		return
	}
	if err := a.reactions.HandleReaction(ctx, inst, event); err != nil {
		a.logger.Warn("handle reaction failed",
			slog.String("instance_id", inst.ID),
			slog.String("message_id", event.ProviderMessageID),
			slog.Any("error", err))
	}
}

// Send transforms canonical content under Lark's limits and delivers it.
// Plain text goes out as text messages; when buttons survive packing the
// final chunk is wrapped in an interactive card carrying the action module.
func (a *Adapter) Send(ctx context.Context, inst platform.Instance, target string, content platform.Content, opts platform.SendOptions) (platform.SendResult, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return platform.SendResult{}, err
	}
	receiveID, receiveType, err := resolveReceiveID(strings.TrimSpace(target))
	if err != nil {
		return platform.SendResult{}, err
	}
	client := a.client(cfg)

	transformed, err := platform.TransformContent(content, a.Descriptor().Limits)
	if err != nil {
		return platform.SendResult{Warnings: transformed.Warnings}, err
	}
	warnings := transformed.Warnings
	replyTo := strings.TrimSpace(opts.ReplyTo)

	var lastID string
	for _, att := range transformed.Attachments {
		id, sendErr := a.sendAttachment(ctx, client, receiveID, receiveType, att)
		if sendErr != nil {
			return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, sendErr, "lark send failed")
		}
		lastID = id
	}

	chunks := platform.ChunkMarkdownText(transformed.Text, maxTextRunes)
	if len(chunks) == 0 && transformed.HasButtons() {
		chunks = []string{""}
	}
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		msgType := larkim.MsgTypeText
		var payload string
		var marshalErr error
		if last && transformed.HasButtons() {
			msgType = larkim.MsgTypeInteractive
			payload, marshalErr = buildCardContent(chunk, transformed.ButtonRows)
		} else {
			payload, marshalErr = buildTextContent(chunk)
		}
		if marshalErr != nil {
			return platform.SendResult{Warnings: warnings}, marshalErr
		}
		id, sendErr := a.createMessage(ctx, client, receiveID, receiveType, msgType, payload, replyTo)
		if sendErr != nil {
			return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, sendErr, "lark send failed")
		}
		lastID = id
		replyTo = ""
	}
	return platform.SendResult{ProviderMessageID: lastID, Warnings: warnings}, nil
}

func (a *Adapter) createMessage(ctx context.Context, client *lark.Client, receiveID, receiveType, msgType, content, replyTo string) (string, error) {
	if replyTo != "" {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(replyTo).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(content).
				MsgType(msgType).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := client.Im.V1.Message.Reply(ctx, req)
		if err != nil {
			return "", err
		}
		if !resp.Success() {
			return "", fmt.Errorf("lark reply failed: %s (code: %d)", resp.Msg, resp.Code)
		}
		if resp.Data == nil {
			return "", nil
		}
		return derefMessageID(resp.Data.MessageId), nil
	}
	req := larkim.NewCreateMessageReqBuilder().
		ReceiveIdType(receiveType).
		Body(larkim.NewCreateMessageReqBodyBuilder().
			ReceiveId(receiveID).
			MsgType(msgType).
			Content(content).
			Uuid(uuid.NewString()).
			Build()).
		Build()
	resp, err := client.Im.V1.Message.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if !resp.Success() {
		return "", fmt.Errorf("lark send failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil {
		return "", nil
	}
	return derefMessageID(resp.Data.MessageId), nil
}

func derefMessageID(messageID *string) string {
	if messageID == nil {
		return ""
	}
	return strings.TrimSpace(*messageID)
}

func (a *Adapter) sendAttachment(ctx context.Context, client *lark.Client, receiveID, receiveType string, att platform.PreparedAttachment) (string, error) {
	reader, err := attachmentReader(ctx, att)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = reader.Close()
	}()

	var msgType string
	var contentMap map[string]string
	if att.Kind == platform.AttachmentImage {
		uploadReq := larkim.NewCreateImageReqBuilder().
			Body(larkim.NewCreateImageReqBodyBuilder().
				ImageType(larkim.ImageTypeMessage).
				Image(reader).
				Build()).
			Build()
		uploadResp, err := client.Im.V1.Image.Create(ctx, uploadReq)
		if err != nil {
			return "", fmt.Errorf("upload image: %w", err)
		}
		if !uploadResp.Success() {
			return "", fmt.Errorf("upload image: %s (code: %d)", uploadResp.Msg, uploadResp.Code)
		}
		msgType = larkim.MsgTypeImage
		contentMap = map[string]string{"image_key": *uploadResp.Data.ImageKey}
	} else {
		name := strings.TrimSpace(att.Filename)
		if name == "" {
			name = "attachment"
		}
		uploadReq := larkim.NewCreateFileReqBuilder().
			Body(larkim.NewCreateFileReqBodyBuilder().
				FileType(resolveFileType(name, att.MimeType)).
				FileName(name).
				File(reader).
				Build()).
			Build()
		uploadResp, err := client.Im.V1.File.Create(ctx, uploadReq)
		if err != nil {
			return "", fmt.Errorf("upload file: %w", err)
		}
		if !uploadResp.Success() {
			return "", fmt.Errorf("upload file: %s (code: %d)", uploadResp.Msg, uploadResp.Code)
		}
		msgType = larkim.MsgTypeFile
		contentMap = map[string]string{"file_key": *uploadResp.Data.FileKey}
	}

	payload, err := json.Marshal(contentMap)
	if err != nil {
		return "", err
	}
	return a.createMessage(ctx, client, receiveID, receiveType, msgType, string(payload), "")
}

// attachmentReader opens the attachment content. URL sources are downloaded
// since Lark requires an upload; because the fetch happens locally, the host
// is resolved and re-screened here even though it passed the guard during
// transform.
func attachmentReader(ctx context.Context, att platform.PreparedAttachment) (io.ReadCloser, error) {
	if url := strings.TrimSpace(att.URL); url != "" {
		if err := guard.ValidateFetchURL(ctx, url, guard.PurposeAttachment); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("build download request: %w", err)
		}
		client := &http.Client{Timeout: 60 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download attachment: %w", err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("download attachment status: %d", resp.StatusCode)
		}
		if resp.ContentLength > maxAttachmentBytes {
			return nil, platform.NewError(platform.CodeSizeExceeded, "attachment exceeds %d bytes", maxAttachmentBytes)
		}
		// Content-Length is advisory; the read itself enforces the limit.
		data, err := guard.ReadAllLimit(resp.Body, maxAttachmentBytes)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("attachment %q: invalid base64 data", att.Filename)
	}
	return io.NopCloser(bytes.NewReader(decoded)), nil
}

func buildTextContent(text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// buildCardContent renders text plus button rows as an interactive card.
// Value buttons carry their value in the action payload; URL buttons open
// the link directly.
func buildCardContent(text string, rows [][]platform.Button) (string, error) {
	elements := make([]map[string]any, 0, len(rows)+1)
	if strings.TrimSpace(text) != "" {
		elements = append(elements, map[string]any{
			"tag": "div",
			"text": map[string]any{
				"tag":     "lark_md",
				"content": text,
			},
		})
	}
	for _, row := range rows {
		actions := make([]map[string]any, 0, len(row))
		for _, button := range row {
			action := map[string]any{
				"tag":  "button",
				"type": "default",
				"text": map[string]any{
					"tag":     "plain_text",
					"content": button.Label,
				},
			}
			if button.IsURL() {
				action["url"] = button.URL
			} else {
				action["value"] = map[string]any{"action": button.Value}
			}
			actions = append(actions, action)
		}
		elements = append(elements, map[string]any{
			"tag":     "action",
			"actions": actions,
		})
	}
	card := map[string]any{
		"config":   map[string]any{"wide_screen_mode": true},
		"elements": elements,
	}
	payload, err := json.Marshal(card)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

// resolveReceiveID parses an open_id:/user_id:/chat_id:/email: prefixed
// target; bare values default to open_id.
func resolveReceiveID(raw string) (string, string, error) {
	if raw == "" {
		return "", "", fmt.Errorf("lark: target is required")
	}
	switch {
	case strings.HasPrefix(raw, "open_id:"):
		return strings.TrimPrefix(raw, "open_id:"), larkim.ReceiveIdTypeOpenId, nil
	case strings.HasPrefix(raw, "user_id:"):
		return strings.TrimPrefix(raw, "user_id:"), larkim.ReceiveIdTypeUserId, nil
	case strings.HasPrefix(raw, "chat_id:"):
		return strings.TrimPrefix(raw, "chat_id:"), larkim.ReceiveIdTypeChatId, nil
	case strings.HasPrefix(raw, "email:"):
		return strings.TrimPrefix(raw, "email:"), larkim.ReceiveIdTypeEmail, nil
	case strings.HasPrefix(raw, "oc_"):
		return raw, larkim.ReceiveIdTypeChatId, nil
	default:
		return raw, larkim.ReceiveIdTypeOpenId, nil
	}
}

func resolveFileType(name, mime string) string {
	lower := strings.ToLower(mime)
	lowerName := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "mp4") || strings.Contains(lower, "video"):
		return larkim.FileTypeMp4
	case strings.Contains(lower, "pdf") || strings.HasSuffix(lowerName, ".pdf"):
		return larkim.FileTypePdf
	case strings.Contains(lower, "msword") || strings.HasSuffix(lowerName, ".doc") || strings.HasSuffix(lowerName, ".docx"):
		return larkim.FileTypeDoc
	case strings.Contains(lower, "spreadsheet") || strings.HasSuffix(lowerName, ".xls") || strings.HasSuffix(lowerName, ".xlsx"):
		return larkim.FileTypeXls
	case strings.Contains(lower, "presentation") || strings.HasSuffix(lowerName, ".ppt") || strings.HasSuffix(lowerName, ".pptx"):
		return larkim.FileTypePpt
	default:
		return larkim.FileTypeStream
	}
}

// React adds an emoji reaction keyed by message_id; the chat id is unused on
// this platform.
func (a *Adapter) React(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	client := a.client(cfg)
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(emoji).Build()).
			Build()).
		Build()
	resp, err := client.Im.V1.MessageReaction.Create(ctx, req)
	if err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "lark add reaction failed")
	}
	if !resp.Success() {
		return platform.NewError(platform.CodeDeliveryFailed, "lark add reaction failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

// Unreact removes the app's own reaction. Deletion needs the reaction id, so
// the reaction list is scanned for an app-operated entry of the same type.
func (a *Adapter) Unreact(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	client := a.client(cfg)
	reactionID, err := a.findOwnReaction(ctx, client, messageID, emoji)
	if err != nil {
		return err
	}
	if reactionID == "" {
		return nil
	}
	req := larkim.NewDeleteMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionId(reactionID).
		Build()
	resp, err := client.Im.V1.MessageReaction.Delete(ctx, req)
	if err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "lark remove reaction failed")
	}
	if !resp.Success() {
		return platform.NewError(platform.CodeDeliveryFailed, "lark remove reaction failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	return nil
}

func (a *Adapter) findOwnReaction(ctx context.Context, client *lark.Client, messageID, emoji string) (string, error) {
	req := larkim.NewListMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionType(emoji).
		Build()
	resp, err := client.Im.V1.MessageReaction.List(ctx, req)
	if err != nil {
		return "", platform.WrapError(platform.CodeDeliveryFailed, err, "lark list reactions failed")
	}
	if !resp.Success() {
		return "", platform.NewError(platform.CodeDeliveryFailed, "lark list reactions failed: %s (code: %d)", resp.Msg, resp.Code)
	}
	if resp.Data == nil {
		return "", nil
	}
	for _, item := range resp.Data.Items {
		if item == nil || item.ReactionId == nil {
			continue
		}
		if item.Operator != nil && item.Operator.OperatorType != nil && *item.Operator.OperatorType != "app" {
			continue
		}
		return strings.TrimSpace(*item.ReactionId), nil
	}
	return "", nil
}

var _ larkcore.Logger = (*slogLarkLogger)(nil)

// slogLarkLogger bridges the SDK's logger to slog.
type slogLarkLogger struct {
	log *slog.Logger
}

func (l *slogLarkLogger) Debug(_ context.Context, args ...interface{}) {
	l.log.Debug(fmt.Sprint(args...))
}
func (l *slogLarkLogger) Info(_ context.Context, args ...interface{}) {
	l.log.Info(fmt.Sprint(args...))
}
func (l *slogLarkLogger) Warn(_ context.Context, args ...interface{}) {
	l.log.Warn(fmt.Sprint(args...))
}
func (l *slogLarkLogger) Error(_ context.Context, args ...interface{}) {
	l.log.Error(fmt.Sprint(args...))
}
