package telegram

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

// reactionUpdate covers the message_reaction update the typed client cannot
// decode. Reactions are diffed old against new to derive add/remove events.
type reactionUpdate struct {
	MessageReaction *struct {
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		MessageID int `json:"message_id"`
		User      *struct {
			ID        int64  `json:"id"`
			UserName  string `json:"username"`
			FirstName string `json:"first_name"`
		} `json:"user"`
		Date        int64          `json:"date"`
		OldReaction []reactionType `json:"old_reaction"`
		NewReaction []reactionType `json:"new_reaction"`
	} `json:"message_reaction"`
}

type reactionType struct {
	Type  string `json:"type"`
	Emoji string `json:"emoji"`
}

// HandleWebhook feeds one raw Telegram update through the same translation
// the polling loop uses. The connection for the instance is ensured by the
// caller, so a registered handler must exist.
func (a *Adapter) HandleWebhook(ctx context.Context, inst platform.Instance, body []byte, headers map[string]string) error {
	handler, ok := a.handlerFor(inst.Key())
	if !ok {
		return platform.NewError(platform.CodeNotConnected, "no registered handler for %s", inst.Key())
	}
	cfg, err := parseConfig(inst.Credentials)
	if err != nil {
		return err
	}

	var reaction reactionUpdate
	if err := json.Unmarshal(body, &reaction); err == nil && reaction.MessageReaction != nil {
		a.handleReactionUpdate(ctx, inst, reaction)
		return nil
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return platform.WrapError(platform.CodeInvalidFormat, err, "telegram webhook body is not an update")
	}
	bot, err := a.getOrCreateBot(cfg.BotToken)
	if err != nil {
		a.logger.Warn("bot unavailable for webhook update", slog.Any("error", err))
		bot = nil
	}
	a.handleUpdate(ctx, inst, bot, handler, update)
	return nil
}

func (a *Adapter) handleReactionUpdate(ctx context.Context, inst platform.Instance, update reactionUpdate) {
	if a.reactions == nil {
		return
	}
	r := update.MessageReaction
	userID := ""
	if r.User != nil {
		userID = strconv.FormatInt(r.User.ID, 10)
	}
	occurredAt := time.Unix(r.Date, 0).UTC()
	base := ingest.ReactionEvent{
		TenantID:          inst.TenantID,
		InstanceID:        inst.ID,
		Platform:          Type,
		ProviderMessageID: strconv.Itoa(r.MessageID),
		ChatID:            strconv.FormatInt(r.Chat.ID, 10),
		UserID:            userID,
		OccurredAt:        occurredAt,
	}
	for _, emoji := range diffReactions(r.NewReaction, r.OldReaction) {
		event := base
		event.Emoji = emoji
		event.Kind = ingest.ReactionAdded
		a.deliverReaction(ctx, inst, event)
	}
	for _, emoji := range diffReactions(r.OldReaction, r.NewReaction) {
		event := base
		event.Emoji = emoji
		event.Kind = ingest.ReactionRemoved
		a.deliverReaction(ctx, inst, event)
	}
}

func (a *Adapter) deliverReaction(ctx context.Context, inst platform.Instance, event ingest.ReactionEvent) {
	if err := a.reactions.HandleReaction(ctx, inst, event); err != nil {
		a.logger.Warn("handle reaction failed",
			slog.String("instance_id", inst.ID),
			slog.String("message_id", event.ProviderMessageID),
			slog.Any("error", err))
	}
}

// diffReactions returns emojis present in a but absent from b.
func diffReactions(a, b []reactionType) []string {
	seen := make(map[string]bool, len(b))
	for _, r := range b {
		if r.Type == "emoji" {
			seen[r.Emoji] = true
		}
	}
	var out []string
	for _, r := range a {
		emoji := strings.TrimSpace(r.Emoji)
		if r.Type != "emoji" || emoji == "" || seen[r.Emoji] {
			continue
		}
		out = append(out, emoji)
	}
	return out
}
