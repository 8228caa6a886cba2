package discord

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/msgcore/msgcore/internal/guard"
	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

// Type is the platform identifier for Discord.
const Type = platform.PlatformType("discord")

const maxTextRunes = 2000

// Adapter drives Discord over a persistent gateway session. Sessions are
// cached per bot token so Connect and Send share one socket.
type Adapter struct {
	logger    *slog.Logger
	reactions ingest.ReactionSink

	mu              sync.RWMutex
	sessions        map[string]*discordgo.Session
	handlerRemovers map[string][]func()
}

func New(log *slog.Logger, reactions ingest.ReactionSink) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:          log.With(slog.String("adapter", "discord")),
		reactions:       reactions,
		sessions:        make(map[string]*discordgo.Session),
		handlerRemovers: make(map[string][]func()),
	}
}

func (a *Adapter) Type() platform.PlatformType { return Type }

func (a *Adapter) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
		Capabilities: platform.Capabilities{
			Text:        true,
			Attachments: true,
			Embeds:      true,
			Buttons:     true,
			Reactions:   true,
			Reply:       true,
			Threads:     true,
		},
		Limits: platform.Limits{
			MaxTextRunes:             maxTextRunes,
			MaxCaptionRunes:          maxTextRunes,
			MaxEmbeds:                10,
			MaxEmbedFields:           25,
			MaxButtons:               25,
			ButtonsPerRow:            5,
			MaxButtonRows:            5,
			MaxAttachmentBytes:       guard.DefaultMaxBytes,
			NativeEmbeds:             true,
			InlineFields:             true,
			ButtonURLSchemeHTTPSOnly: false,
		},
	}
}

func (a *Adapter) NormalizeConfig(raw map[string]any) (map[string]any, error) {
	return normalizeConfig(raw)
}

func (a *Adapter) getOrCreateSession(token string) (*discordgo.Session, error) {
	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if ok {
		return session, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentMessageContent
	a.sessions[token] = session
	return session, nil
}

// Connect opens the gateway session and registers event handlers that
// translate Discord events into envelopes. Handlers are invoked inline so the
// per-connection event order is preserved.
func (a *Adapter) Connect(ctx context.Context, inst platform.Instance, handler platform.InboundHandler) (platform.Connection, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return nil, err
	}
	session, err := a.getOrCreateSession(cfg.BotToken)
	if err != nil {
		return nil, err
	}

	removeMessage := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if ctx.Err() != nil {
			return
		}
		if m.Author == nil || m.Author.Bot {
			return
		}
		text := strings.TrimSpace(m.Content)
		if text == "" && len(m.Attachments) == 0 {
			return
		}
		env := platform.NewEnvelope(platform.Envelope{
			Platform:   Type,
			TenantID:   inst.TenantID,
			InstanceID: inst.ID,
			ThreadID:   m.ChannelID,
			User: platform.User{
				ProviderUserID: m.Author.ID,
				Display:        m.Author.Username,
			},
			Content: platform.Content{
				Text:        text,
				Attachments: collectAttachments(m.Message),
			},
			Meta: platform.ProviderMeta{
				EventID: m.ID,
				Raw: map[string]any{
					"guild_id":   m.GuildID,
					"channel_id": m.ChannelID,
				},
			},
		})
		if err := handler(ctx, inst, env); err != nil {
			a.logger.Error("handle inbound failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err),
			)
		}
	})

	removeInteraction := session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		if ctx.Err() != nil || i.Type != discordgo.InteractionMessageComponent {
			return
		}
		data := i.MessageComponentData()
		userID, display := interactionUser(i.Interaction)
		messageID := ""
		if i.Message != nil {
			messageID = i.Message.ID
		}
		env := platform.NewEnvelope(platform.Envelope{
			Platform:   Type,
			TenantID:   inst.TenantID,
			InstanceID: inst.ID,
			ThreadID:   i.ChannelID,
			User:       platform.User{ProviderUserID: userID, Display: display},
			Action: &platform.EnvelopeAction{
				Type:  ingest.ActionButtonClick,
				Value: data.CustomID,
			},
			Meta: platform.ProviderMeta{
				EventID: i.ID,
				Raw:     map[string]any{"message_id": messageID},
			},
		})
		if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		}); err != nil {
			a.logger.Warn("ack interaction failed", slog.Any("error", err))
		}
		if err := handler(ctx, inst, env); err != nil {
			a.logger.Error("handle button click failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err),
			)
		}
	})

	removeReactionAdd := session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		a.forwardReaction(ctx, inst, r.MessageReaction, ingest.ReactionAdded)
	})
	removeReactionRemove := session.AddHandler(func(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
		a.forwardReaction(ctx, inst, r.MessageReaction, ingest.ReactionRemoved)
	})

	removers := []func(){removeMessage, removeInteraction, removeReactionAdd, removeReactionRemove}
	a.swapHandlerRemovers(cfg.BotToken, removers)

	if err := session.Open(); err != nil {
		a.clearSessionState(cfg.BotToken)
		return nil, platform.WrapError(platform.CodeConnectTimeout, err, "discord gateway open failed")
	}
	a.logger.Info("connected", slog.String("instance_id", inst.ID))

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop", slog.String("instance_id", inst.ID))
		for _, remove := range a.clearSessionState(cfg.BotToken) {
			remove()
		}
		return session.Close()
	}
	return platform.NewConnection(inst, stop), nil
}

func (a *Adapter) forwardReaction(ctx context.Context, inst platform.Instance, r *discordgo.MessageReaction, kind ingest.ReactionKind) {
	if a.reactions == nil || r == nil || ctx.Err() != nil {
		return
	}
	event := ingest.ReactionEvent{
		TenantID:          inst.TenantID,
		InstanceID:        inst.ID,
		Platform:          Type,
		ProviderMessageID: r.MessageID,
		ChatID:            r.ChannelID,
		UserID:            r.UserID,
		Emoji:             r.Emoji.Name,
		Kind:              kind,
		OccurredAt:        time.Now().UTC(),
	}
	if err := a.reactions.HandleReaction(ctx, inst, event); err != nil {
		a.logger.Warn("handle reaction failed",
			slog.String("instance_id", inst.ID),
			slog.String("message_id", r.MessageID),
			slog.Any("error", err),
		)
	}
}

// Send transforms canonical content under Discord's limits and delivers it.
// Long text is chunked; embeds, buttons, and file uploads ride on the last
// chunk so interactive elements stay attached to the final message.
func (a *Adapter) Send(ctx context.Context, inst platform.Instance, target string, content platform.Content, opts platform.SendOptions) (platform.SendResult, error) {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return platform.SendResult{}, err
	}
	session, err := a.getOrCreateSession(cfg.BotToken)
	if err != nil {
		return platform.SendResult{}, err
	}
	channelID := strings.TrimSpace(target)
	if channelID == "" {
		return platform.SendResult{}, fmt.Errorf("discord: target is required")
	}

	transformed, err := platform.TransformContent(content, a.Descriptor().Limits)
	if err != nil {
		return platform.SendResult{Warnings: transformed.Warnings}, err
	}

	chunks := platform.ChunkMarkdownText(transformed.Text, maxTextRunes)
	if len(chunks) == 0 {
		chunks = []string{""}
	}
	var reference *discordgo.MessageReference
	if replyTo := strings.TrimSpace(opts.ReplyTo); replyTo != "" {
		reference = &discordgo.MessageReference{ChannelID: channelID, MessageID: replyTo}
	}

	warnings := transformed.Warnings
	var lastID string
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		send := &discordgo.MessageSend{Content: chunk, Reference: reference}
		reference = nil
		if last {
			send.Embeds = buildEmbeds(transformed.Embeds)
			send.Components = buildComponents(transformed.ButtonRows)
			files, extraText, fileWarnings := buildFiles(transformed.Attachments)
			warnings = append(warnings, fileWarnings...)
			send.Files = files
			if extraText != "" {
				send.Content = joinText(send.Content, extraText)
			}
		}
		if send.Content == "" && len(send.Embeds) == 0 && len(send.Files) == 0 && len(send.Components) == 0 {
			continue
		}
		msg, err := session.ChannelMessageSendComplex(channelID, send)
		if err != nil {
			return platform.SendResult{Warnings: warnings}, platform.WrapError(platform.CodeDeliveryFailed, err, "discord send failed")
		}
		lastID = msg.ID
	}
	return platform.SendResult{ProviderMessageID: lastID, Warnings: warnings}, nil
}

func (a *Adapter) React(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	session, err := a.getOrCreateSession(cfg.BotToken)
	if err != nil {
		return err
	}
	if err := session.MessageReactionAdd(chatID, messageID, emoji); err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "discord add reaction failed")
	}
	return nil
}

func (a *Adapter) Unreact(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}
	session, err := a.getOrCreateSession(cfg.BotToken)
	if err != nil {
		return err
	}
	if err := session.MessageReactionRemove(chatID, messageID, emoji, "@me"); err != nil {
		return platform.WrapError(platform.CodeDeliveryFailed, err, "discord remove reaction failed")
	}
	return nil
}

func buildEmbeds(embeds []platform.Embed) []*discordgo.MessageEmbed {
	if len(embeds) == 0 {
		return nil
	}
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, embed := range embeds {
		e := &discordgo.MessageEmbed{
			Title:       embed.Title,
			URL:         embed.TitleURL,
			Description: embed.Description,
			Color:       embed.Color,
		}
		if embed.Author != nil {
			e.Author = &discordgo.MessageEmbedAuthor{
				Name:    embed.Author.Name,
				URL:     embed.Author.URL,
				IconURL: embed.Author.IconURL,
			}
		}
		if embed.Footer != nil {
			e.Footer = &discordgo.MessageEmbedFooter{
				Text:    embed.Footer.Text,
				IconURL: embed.Footer.IconURL,
			}
		}
		if embed.ImageURL != "" {
			e.Image = &discordgo.MessageEmbedImage{URL: embed.ImageURL}
		}
		if embed.ThumbnailURL != "" {
			e.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: embed.ThumbnailURL}
		}
		if embed.Timestamp != nil {
			e.Timestamp = embed.Timestamp.UTC().Format(time.RFC3339)
		}
		for _, field := range embed.Fields {
			e.Fields = append(e.Fields, &discordgo.MessageEmbedField{
				Name:   field.Name,
				Value:  field.Value,
				Inline: field.Inline,
			})
		}
		out = append(out, e)
	}
	return out
}

func buildComponents(rows [][]platform.Button) []discordgo.MessageComponent {
	if len(rows) == 0 {
		return nil
	}
	out := make([]discordgo.MessageComponent, 0, len(rows))
	for _, row := range rows {
		actionRow := discordgo.ActionsRow{}
		for _, button := range row {
			if button.IsURL() {
				actionRow.Components = append(actionRow.Components, discordgo.Button{
					Style: discordgo.LinkButton,
					Label: button.Label,
					URL:   button.URL,
				})
				continue
			}
			actionRow.Components = append(actionRow.Components, discordgo.Button{
				Style:    discordgo.PrimaryButton,
				Label:    button.Label,
				CustomID: button.Value,
			})
		}
		out = append(out, actionRow)
	}
	return out
}

// buildFiles uploads inline data attachments; URL attachments are passed by
// reference as link lines so Discord fetches them itself.
func buildFiles(attachments []platform.PreparedAttachment) ([]*discordgo.File, string, []string) {
	var (
		files    []*discordgo.File
		links    []string
		warnings []string
	)
	for _, att := range attachments {
		if strings.TrimSpace(att.URL) != "" {
			if caption := strings.TrimSpace(att.Caption); caption != "" {
				links = append(links, caption+": "+att.URL)
			} else {
				links = append(links, att.URL)
			}
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(guard.StripDataURI(att.Data))
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("attachment %q: invalid base64 data", att.Filename))
			continue
		}
		name := strings.TrimSpace(att.Filename)
		if name == "" {
			name = "attachment"
		}
		files = append(files, &discordgo.File{
			Name:        name,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(decoded),
		})
	}
	return files, strings.Join(links, "\n"), warnings
}

func collectAttachments(msg *discordgo.Message) []platform.Attachment {
	if msg == nil || len(msg.Attachments) == 0 {
		return nil
	}
	out := make([]platform.Attachment, 0, len(msg.Attachments))
	for _, att := range msg.Attachments {
		out = append(out, platform.Attachment{
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
		})
	}
	return out
}

func interactionUser(i *discordgo.Interaction) (string, string) {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID, i.Member.User.Username
	}
	if i.User != nil {
		return i.User.ID, i.User.Username
	}
	return "", ""
}

func joinText(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + "\n" + b
}

func (a *Adapter) swapHandlerRemovers(token string, removers []func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, remove := range a.handlerRemovers[token] {
		remove()
	}
	a.handlerRemovers[token] = removers
}

func (a *Adapter) clearSessionState(token string) []func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	removers := a.handlerRemovers[token]
	delete(a.handlerRemovers, token)
	delete(a.sessions, token)
	return removers
}
