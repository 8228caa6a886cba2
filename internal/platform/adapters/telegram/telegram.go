package telegram

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

// Type is the platform identifier for Telegram.
const Type = platform.PlatformType("telegram")

const (
	maxTextRunes    = 4096
	maxCaptionRunes = 1024
)

// Adapter drives Telegram through the Bot API. Bots are cached per token;
// updates arrive over long-polling or, for webhook-mode instances, through
// HandleWebhook.
type Adapter struct {
	logger    *slog.Logger
	reactions ingest.ReactionSink

	mu       sync.RWMutex
	bots     map[string]*tgbotapi.BotAPI
	handlers map[string]platform.InboundHandler
}

func New(log *slog.Logger, reactions ingest.ReactionSink) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:    log.With(slog.String("adapter", "telegram")),
		reactions: reactions,
		bots:      make(map[string]*tgbotapi.BotAPI),
		handlers:  make(map[string]platform.InboundHandler),
	}
}

func (a *Adapter) Type() platform.PlatformType { return Type }

func (a *Adapter) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: platform.Capabilities{
			Text:        true,
			Attachments: true,
			Embeds:      true,
			Buttons:     true,
			Reactions:   true,
			Reply:       true,
		},
		Limits: platform.Limits{
			MaxTextRunes:       maxTextRunes,
			MaxCaptionRunes:    maxCaptionRunes,
			MaxButtons:         96,
			ButtonsPerRow:      8,
			MaxButtonRows:      12,
			MaxAttachmentBytes: 50 * 1024 * 1024,
			NativeEmbeds:       false,
			MediaGroupSize:     10,
		},
	}
}

func (a *Adapter) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

func (a *Adapter) getOrCreateBot(token string) (*tgbotapi.BotAPI, error) {
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bots[token] = bot
	return bot, nil
}

// Connect registers the inbound handler for the instance and, in polling
// mode, starts the long-poll loop. Webhook-mode instances only register; the
// updates arrive through HandleWebhook.
func (a *Adapter) Connect(ctx context.Context, inst platform.Instance, handler platform.InboundHandler) (platform.Connection, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return nil, err
	}
	bot, err := a.getOrCreateBot(cfg.BotToken)
	if err != nil {
		return nil, platform.WrapError(platform.CodeConnectTimeout, err, "telegram connect failed")
	}

	key := inst.Key()
	a.mu.Lock()
	a.handlers[key] = handler
	a.mu.Unlock()
	a.logger.Info("connected",
		slog.String("instance_id", inst.ID),
		slog.String("mode", cfg.Mode))

	if cfg.Mode == ModeWebhook {
		stop := func(_ context.Context) error {
			a.dropHandler(key)
			return nil
		}
		return platform.NewConnection(inst, stop), nil
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = 30
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed", slog.String("instance_id", inst.ID))
					return
				}
				a.handleUpdate(connCtx, inst, bot, handler, update)
			}
		}
	}()

	stop := func(_ context.Context) error {
		a.logger.Info("stop", slog.String("instance_id", inst.ID))
		a.dropHandler(key)
		bot.StopReceivingUpdates()
		cancel()
		// Drain so the library's polling goroutine can finish its in-flight
		// getUpdates request. Otherwise a reconnect with the same token hits
		// "Conflict: terminated by other getUpdates request".
		for range updates {
		}
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

func (a *Adapter) handleUpdate(ctx context.Context, inst platform.Instance, bot *tgbotapi.BotAPI, handler platform.InboundHandler, update tgbotapi.Update) {
	if update.CallbackQuery != nil {
		a.handleCallback(ctx, inst, bot, handler, update.CallbackQuery)
		return
	}
	msg := update.Message
	if msg == nil || (msg.From != nil && msg.From.IsBot) {
		return
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	attachments := a.collectAttachments(bot, msg)
	if text == "" && len(attachments) == 0 {
		return
	}
	chatID := ""
	chatType := ""
	if msg.Chat != nil {
		chatID = strconv.FormatInt(msg.Chat.ID, 10)
		chatType = strings.TrimSpace(msg.Chat.Type)
	}
	env := platform.NewEnvelope(platform.Envelope{
		Platform:   Type,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		ThreadID:   chatID,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
		User:       senderIdentity(msg.From),
		Content: platform.Content{
			Text:        text,
			Attachments: attachments,
		},
		Meta: platform.ProviderMeta{
			EventID: strconv.Itoa(msg.MessageID),
			Raw:     map[string]any{"chat_type": chatType},
		},
	})
	if err := handler(ctx, inst, env); err != nil {
		a.logger.Error("handle inbound failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", err))
	}
}

func (a *Adapter) handleCallback(ctx context.Context, inst platform.Instance, bot *tgbotapi.BotAPI, handler platform.InboundHandler, cb *tgbotapi.CallbackQuery) {
	if cb.Data == "" {
		return
	}
	chatID := ""
	messageID := ""
	if cb.Message != nil {
		messageID = strconv.Itoa(cb.Message.MessageID)
		if cb.Message.Chat != nil {
			chatID = strconv.FormatInt(cb.Message.Chat.ID, 10)
		}
	}
	if bot != nil {
		if _, err := bot.Request(tgbotapi.NewCallback(cb.ID, "")); err != nil {
			a.logger.Warn("ack callback failed", slog.Any("error", err))
		}
	}
	env := platform.NewEnvelope(platform.Envelope{
		Platform:   Type,
		TenantID:   inst.TenantID,
		InstanceID: inst.ID,
		ThreadID:   chatID,
		User:       senderIdentity(cb.From),
		Action: &platform.EnvelopeAction{
			Type:  ingest.ActionButtonClick,
			Value: cb.Data,
		},
		Meta: platform.ProviderMeta{
			EventID: cb.ID,
			Raw:     map[string]any{"message_id": messageID},
		},
	})
	if err := handler(ctx, inst, env); err != nil {
		a.logger.Error("handle button click failed",
			slog.String("instance_id", inst.ID),
			slog.Any("error", err))
	}
}

func senderIdentity(from *tgbotapi.User) platform.User {
	if from == nil {
		return platform.User{}
	}
	display := strings.TrimSpace(from.UserName)
	if display == "" {
		display = strings.TrimSpace(from.FirstName + " " + from.LastName)
	}
	return platform.User{
		ProviderUserID: strconv.FormatInt(from.ID, 10),
		Display:        display,
	}
}

func (a *Adapter) collectAttachments(bot *tgbotapi.BotAPI, msg *tgbotapi.Message) []platform.Attachment {
	if msg == nil {
		return nil
	}
	var attachments []platform.Attachment
	add := func(fileID, filename, mime string) {
		url := ""
		if bot != nil && fileID != "" {
			resolved, err := bot.GetFileDirectURL(fileID)
			if err != nil {
				a.logger.Warn("resolve file url failed", slog.Any("error", err))
			} else {
				url = resolved
			}
		}
		if url == "" {
			return
		}
		attachments = append(attachments, platform.Attachment{
			URL:      url,
			Filename: strings.TrimSpace(filename),
			MimeType: strings.TrimSpace(mime),
		})
	}
	if len(msg.Photo) > 0 {
		add(pickLargestPhoto(msg.Photo).FileID, "", "image/jpeg")
	}
	if msg.Document != nil {
		add(msg.Document.FileID, msg.Document.FileName, msg.Document.MimeType)
	}
	if msg.Audio != nil {
		add(msg.Audio.FileID, msg.Audio.FileName, msg.Audio.MimeType)
	}
	if msg.Voice != nil {
		add(msg.Voice.FileID, "", msg.Voice.MimeType)
	}
	if msg.Video != nil {
		add(msg.Video.FileID, msg.Video.FileName, msg.Video.MimeType)
	}
	if msg.Animation != nil {
		add(msg.Animation.FileID, msg.Animation.FileName, msg.Animation.MimeType)
	}
	return attachments
}

func pickLargestPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
		}
	}
	return best
}

// Send transforms canonical content under Telegram's limits and delivers it.
// Consecutive image and video URLs go out as media groups; text is chunked
// and the inline keyboard rides on the last text message.
func (a *Adapter) Send(ctx context.Context, inst platform.Instance, target string, content platform.Content, opts platform.SendOptions) (platform.SendResult, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return platform.SendResult{}, err
	}
	bot, err := a.getOrCreateBot(cfg.BotToken)
	if err != nil {
		return platform.SendResult{}, platform.WrapError(platform.CodeNotConnected, err, "telegram bot unavailable")
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return platform.SendResult{}, fmt.Errorf("telegram: target is required")
	}

	limits := a.Descriptor().Limits
	transformed, err := platform.TransformContent(content, limits)
	if err != nil {
		return platform.SendResult{Warnings: transformed.Warnings}, err
	}
	warnings := transformed.Warnings
	chunks := platform.ChunkMarkdownText(transformed.Text, maxTextRunes)
	markup := buildInlineKeyboard(transformed.ButtonRows)
	replyTo := parseReplyTo(opts.ReplyTo)

	var lastID string
	groups := platform.GroupAttachments(transformed.Attachments, limits)
	for gi, group := range groups {
		lastSend := gi == len(groups)-1 && len(chunks) == 0
		var id string
		var sendErr error
		if len(group) > 1 {
			id, sendErr = a.sendMediaGroup(bot, target, group, replyTo)
			if lastSend && markup != nil {
				warnings = append(warnings, "buttons dropped: media groups cannot carry a keyboard")
				markup = nil
			}
		} else {
			var groupMarkup *tgbotapi.InlineKeyboardMarkup
			if lastSend {
				groupMarkup = markup
			}
			id, sendErr = a.sendAttachment(bot, target, group[0], replyTo, groupMarkup)
		}
		if sendErr != nil {
			return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, sendErr, "telegram send failed")
		}
		lastID = id
		replyTo = 0
	}

	for i, chunk := range chunks {
		var chunkMarkup *tgbotapi.InlineKeyboardMarkup
		if i == len(chunks)-1 {
			chunkMarkup = markup
		}
		id, sendErr := a.sendText(bot, target, chunk, replyTo, chunkMarkup)
		if sendErr != nil {
			return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, sendErr, "telegram send failed")
		}
		lastID = id
		replyTo = 0
	}
	return platform.SendResult{ProviderMessageID: lastID, Warnings: warnings}, nil
}

func (a *Adapter) sendText(bot *tgbotapi.BotAPI, target, text string, replyTo int, markup *tgbotapi.InlineKeyboardMarkup) (string, error) {
	var message tgbotapi.MessageConfig
	if strings.HasPrefix(target, "@") {
		message = tgbotapi.NewMessageToChannel(target, text)
	} else {
		chatID, err := parseChatID(target)
		if err != nil {
			return "", err
		}
		message = tgbotapi.NewMessage(chatID, text)
	}
	if replyTo > 0 {
		message.ReplyToMessageID = replyTo
	}
	if markup != nil {
		message.ReplyMarkup = *markup
	}
	sent, err := bot.Send(message)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) sendAttachment(bot *tgbotapi.BotAPI, target string, att platform.PreparedAttachment, replyTo int, markup *tgbotapi.InlineKeyboardMarkup) (string, error) {
	file, err := requestFile(att)
	if err != nil {
		return "", err
	}
	caption := truncateRunes(strings.TrimSpace(att.Caption), maxCaptionRunes)
	baseChat, err := buildBaseChat(target)
	if err != nil {
		return "", err
	}
	if replyTo > 0 {
		baseChat.ReplyToMessageID = replyTo
	}
	if markup != nil {
		baseChat.ReplyMarkup = *markup
	}
	baseFile := tgbotapi.BaseFile{BaseChat: baseChat, File: file}

	var chattable tgbotapi.Chattable
	switch att.Kind {
	case platform.AttachmentImage:
		chattable = tgbotapi.PhotoConfig{BaseFile: baseFile, Caption: caption}
	case platform.AttachmentVideo:
		chattable = tgbotapi.VideoConfig{BaseFile: baseFile, Caption: caption}
	case platform.AttachmentAudio:
		chattable = tgbotapi.AudioConfig{BaseFile: baseFile, Caption: caption}
	default:
		chattable = tgbotapi.DocumentConfig{BaseFile: baseFile, Caption: caption}
	}
	sent, err := bot.Send(chattable)
	if err != nil {
		return "", err
	}
	return strconv.Itoa(sent.MessageID), nil
}

func (a *Adapter) sendMediaGroup(bot *tgbotapi.BotAPI, target string, group []platform.PreparedAttachment, replyTo int) (string, error) {
	baseChat, err := buildBaseChat(target)
	if err != nil {
		return "", err
	}
	if replyTo > 0 {
		baseChat.ReplyToMessageID = replyTo
	}
	media := make([]interface{}, 0, len(group))
	for _, att := range group {
		caption := truncateRunes(strings.TrimSpace(att.Caption), maxCaptionRunes)
		switch att.Kind {
		case platform.AttachmentVideo:
			item := tgbotapi.NewInputMediaVideo(tgbotapi.FileURL(att.URL))
			item.Caption = caption
			media = append(media, item)
		default:
			item := tgbotapi.NewInputMediaPhoto(tgbotapi.FileURL(att.URL))
			item.Caption = caption
			media = append(media, item)
		}
	}
	messages, err := bot.SendMediaGroup(tgbotapi.MediaGroupConfig{
		ChatID:              baseChat.ChatID,
		ChannelUsername:     baseChat.ChannelUsername,
		ReplyToMessageID:    baseChat.ReplyToMessageID,
		DisableNotification: baseChat.DisableNotification,
		Media:               media,
	})
	if err != nil {
		return "", err
	}
	if len(messages) == 0 {
		return "", nil
	}
	return strconv.Itoa(messages[len(messages)-1].MessageID), nil
}

func requestFile(att platform.PreparedAttachment) (tgbotapi.RequestFileData, error) {
	if url := strings.TrimSpace(att.URL); url != "" {
		return tgbotapi.FileURL(url), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(att.Data)
	if err != nil {
		return nil, fmt.Errorf("telegram: attachment %q: invalid base64 data", att.Filename)
	}
	name := strings.TrimSpace(att.Filename)
	if name == "" {
		name = "attachment"
	}
	return tgbotapi.FileBytes{Name: name, Bytes: decoded}, nil
}

func buildBaseChat(target string) (tgbotapi.BaseChat, error) {
	if strings.HasPrefix(target, "@") {
		return tgbotapi.BaseChat{ChannelUsername: target}, nil
	}
	chatID, err := parseChatID(target)
	if err != nil {
		return tgbotapi.BaseChat{}, err
	}
	return tgbotapi.BaseChat{ChatID: chatID}, nil
}

func parseChatID(target string) (int64, error) {
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: target must be @username or chat_id")
	}
	return chatID, nil
}

func parseReplyTo(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func buildInlineKeyboard(rows [][]platform.Button) *tgbotapi.InlineKeyboardMarkup {
	if len(rows) == 0 {
		return nil
	}
	keyboard := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		line := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, button := range row {
			if button.IsURL() {
				line = append(line, tgbotapi.NewInlineKeyboardButtonURL(button.Label, button.URL))
				continue
			}
			line = append(line, tgbotapi.NewInlineKeyboardButtonData(button.Label, button.Value))
		}
		keyboard = append(keyboard, line)
	}
	markup := tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	return &markup
}

func truncateRunes(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}

// React sets the bot's reaction on a message through the raw Bot API; the
// typed client predates setMessageReaction.
func (a *Adapter) React(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	bot, err := a.getOrCreateBot(cfg.BotToken)
	if err != nil {
		return platform.WrapError(platform.CodeNotConnected, err, "telegram bot unavailable")
	}
	if err := setReaction(bot, chatID, messageID, emoji); err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "telegram add reaction failed")
	}
	return nil
}

// Unreact clears the bot's reactions. Bots replace their whole reaction list
// in one call, so removing any emoji clears it.
func (a *Adapter) Unreact(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	bot, err := a.getOrCreateBot(cfg.BotToken)
	if err != nil {
		return platform.WrapError(platform.CodeNotConnected, err, "telegram bot unavailable")
	}
	if err := clearReaction(bot, chatID, messageID); err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "telegram remove reaction failed")
	}
	return nil
}

func setReaction(bot *tgbotapi.BotAPI, chatID, messageID, emoji string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", chatID)
	params.AddNonEmpty("message_id", messageID)
	params.AddNonEmpty("reaction", fmt.Sprintf(`[{"type":"emoji","emoji":"%s"}]`, emoji))
	_, err := bot.MakeRequest("setMessageReaction", params)
	return err
}

func clearReaction(bot *tgbotapi.BotAPI, chatID, messageID string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", chatID)
	params.AddNonEmpty("message_id", messageID)
	params.AddNonEmpty("reaction", "[]")
	_, err := bot.MakeRequest("setMessageReaction", params)
	return err
}
