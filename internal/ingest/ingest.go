package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/msgcore/msgcore/internal/events"
	"github.com/msgcore/msgcore/internal/platform"
)

// ReactionKind distinguishes reaction-added from reaction-removed events.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionRemoved ReactionKind = "removed"
)

const (
	ActionButtonClick     = "button_click"
	ActionReactionAdded   = "reaction_added"
	ActionReactionRemoved = "reaction_removed"
)

// ReactionEvent is one reaction observed on a provider message.
type ReactionEvent struct {
	TenantID          string
	InstanceID        string
	Platform          platform.PlatformType
	ProviderMessageID string
	ChatID            string
	UserID            string
	Emoji             string
	Kind              ReactionKind
	OccurredAt        time.Time
}

// ButtonClick is one button interaction observed on a provider message.
type ButtonClick struct {
	TenantID          string
	InstanceID        string
	Platform          platform.PlatformType
	ProviderMessageID string
	UserID            string
	Value             string
	OccurredAt        time.Time
}

// ReactionSink consumes normalized reaction events. Adapters that observe
// reactions feed one of these; Processor is the production implementation.
type ReactionSink interface {
	HandleReaction(ctx context.Context, inst platform.Instance, event ReactionEvent) error
}

// Store persists inbound events. Every insert is insert-if-absent on the
// event's natural key: it returns false when an equivalent record already
// exists, and the caller treats that as success.
type Store interface {
	InsertInboundMessage(ctx context.Context, env platform.Envelope) (bool, error)
	InsertReaction(ctx context.Context, event ReactionEvent) (bool, error)
	InsertButtonClick(ctx context.Context, click ButtonClick) (bool, error)
	LastAddedEmoji(ctx context.Context, tenantID, instanceID, providerMessageID, userID string) (string, bool, error)
}

// Processor persists normalized inbound traffic and publishes it on the event
// bus. Persistence and publication are independent: a storage failure never
// suppresses the bus event, and a duplicate insert suppresses both quietly.
type Processor struct {
	store  Store
	bus    *events.Bus
	logger *slog.Logger
}

func NewProcessor(log *slog.Logger, store Store, bus *events.Bus) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		store:  store,
		bus:    bus,
		logger: log.With(slog.String("component", "ingest")),
	}
}

// HandleInbound ingests one normalized envelope. Envelopes carrying an action
// are recorded as button clicks, everything else as inbound messages.
func (p *Processor) HandleInbound(ctx context.Context, inst platform.Instance, env platform.Envelope) error {
	if p.store == nil {
		return fmt.Errorf("ingest store not configured")
	}
	if env.Content.IsEmpty() && env.Action == nil {
		p.logger.Debug("inbound dropped empty",
			slog.String("platform", string(env.Platform)),
			slog.String("event_id", strings.TrimSpace(env.Meta.EventID)),
		)
		return nil
	}

	var (
		stored bool
		err    error
	)
	if env.Action != nil {
		stored, err = p.store.InsertButtonClick(ctx, buttonClickFromEnvelope(env))
	} else {
		stored, err = p.store.InsertInboundMessage(ctx, env)
	}
	if err != nil {
		// Publication proceeds regardless so subscribers see the event even
		// when the store is unavailable.
		p.publish(env)
		p.logger.Error("persist inbound event failed",
			slog.String("platform", string(env.Platform)),
			slog.String("tenant_id", env.TenantID),
			slog.String("instance_id", env.InstanceID),
			slog.String("event_id", strings.TrimSpace(env.Meta.EventID)),
			slog.Any("error", err),
		)
		return fmt.Errorf("persist inbound event: %w", err)
	}
	if !stored {
		p.logger.Debug("inbound event duplicate",
			slog.String("platform", string(env.Platform)),
			slog.String("event_id", strings.TrimSpace(env.Meta.EventID)),
		)
		return nil
	}
	p.publish(env)
	return nil
}

// HandleReaction ingests one reaction event. Removal events that arrive
// without an emoji recover it from the same user's most recent added reaction
// on the same message when the history has one.
func (p *Processor) HandleReaction(ctx context.Context, inst platform.Instance, event ReactionEvent) error {
	if p.store == nil {
		return fmt.Errorf("ingest store not configured")
	}
	event.TenantID = firstNonEmpty(event.TenantID, inst.TenantID)
	event.InstanceID = firstNonEmpty(event.InstanceID, inst.ID)
	if event.Platform == "" {
		event.Platform = inst.Platform
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if event.Kind == ReactionRemoved && strings.TrimSpace(event.Emoji) == "" {
		emoji, found, err := p.store.LastAddedEmoji(ctx, event.TenantID, event.InstanceID, event.ProviderMessageID, event.UserID)
		if err != nil {
			return fmt.Errorf("recover removed emoji: %w", err)
		}
		if !found {
			p.logger.Warn("reaction removal without recoverable emoji",
				slog.String("platform", string(event.Platform)),
				slog.String("provider_message_id", event.ProviderMessageID),
				slog.String("user_id", event.UserID),
			)
		}
		event.Emoji = emoji
	}

	stored, err := p.store.InsertReaction(ctx, event)
	if err != nil {
		p.publish(reactionEnvelope(event))
		p.logger.Error("persist reaction failed",
			slog.String("platform", string(event.Platform)),
			slog.String("provider_message_id", event.ProviderMessageID),
			slog.Any("error", err),
		)
		return fmt.Errorf("persist reaction: %w", err)
	}
	if !stored {
		p.logger.Debug("reaction duplicate",
			slog.String("platform", string(event.Platform)),
			slog.String("provider_message_id", event.ProviderMessageID),
			slog.String("emoji", event.Emoji),
		)
		return nil
	}
	p.publish(reactionEnvelope(event))
	return nil
}

func (p *Processor) publish(env platform.Envelope) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(env)
}

func buttonClickFromEnvelope(env platform.Envelope) ButtonClick {
	return ButtonClick{
		TenantID:          env.TenantID,
		InstanceID:        env.InstanceID,
		Platform:          env.Platform,
		ProviderMessageID: strings.TrimSpace(env.Meta.EventID),
		UserID:            env.User.ProviderUserID,
		Value:             env.Action.Value,
		OccurredAt:        env.Timestamp,
	}
}

func reactionEnvelope(event ReactionEvent) platform.Envelope {
	actionType := ActionReactionAdded
	if event.Kind == ReactionRemoved {
		actionType = ActionReactionRemoved
	}
	return platform.NewEnvelope(platform.Envelope{
		Platform:   event.Platform,
		TenantID:   event.TenantID,
		InstanceID: event.InstanceID,
		ThreadID:   event.ChatID,
		User:       platform.User{ProviderUserID: event.UserID},
		Action: &platform.EnvelopeAction{
			Type:  actionType,
			Value: event.Emoji,
		},
		Meta: platform.ProviderMeta{EventID: event.ProviderMessageID},
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
