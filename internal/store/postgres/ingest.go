package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

// InsertInboundMessage stores one normalized envelope. The unique constraint
// on (tenant, instance, provider message id) is the dedup mechanism: a
// conflicting insert reports stored=false without error.
func (s *Store) InsertInboundMessage(ctx context.Context, env platform.Envelope) (bool, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("marshal envelope: %w", err)
	}
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO inbound_messages (tenant_id, instance_id, platform, provider_message_id, chat_id, user_id, body, envelope_json, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, instance_id, provider_message_id) DO NOTHING
	`, env.TenantID, env.InstanceID, string(env.Platform), env.Meta.EventID,
		env.ThreadID, env.User.ProviderUserID, env.Content.Text, payload, env.Timestamp)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertReaction(ctx context.Context, event ingest.ReactionEvent) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO reactions (tenant_id, instance_id, platform, provider_message_id, chat_id, user_id, emoji, kind, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (tenant_id, instance_id, provider_message_id, user_id, emoji, kind) DO NOTHING
	`, event.TenantID, event.InstanceID, string(event.Platform), event.ProviderMessageID,
		event.ChatID, event.UserID, event.Emoji, string(event.Kind), event.OccurredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertButtonClick(ctx context.Context, click ingest.ButtonClick) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO button_clicks (tenant_id, instance_id, platform, provider_message_id, user_id, value, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, instance_id, provider_message_id) DO NOTHING
	`, click.TenantID, click.InstanceID, string(click.Platform), click.ProviderMessageID,
		click.UserID, click.Value, click.OccurredAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// LastAddedEmoji returns the most recent emoji the user added on a message,
// for removal events whose backend omits the emoji.
func (s *Store) LastAddedEmoji(ctx context.Context, tenantID, instanceID, providerMessageID, userID string) (string, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT emoji FROM reactions
		WHERE tenant_id=$1 AND instance_id=$2 AND provider_message_id=$3 AND user_id=$4 AND kind='added' AND emoji <> ''
		ORDER BY occurred_at DESC, id DESC
		LIMIT 1
	`, tenantID, instanceID, providerMessageID, userID)
	var emoji string
	if err := row.Scan(&emoji); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return emoji, true, nil
}

// FindInboundOrigin resolves a provider message id against received messages.
func (s *Store) FindInboundOrigin(ctx context.Context, tenantID, instanceID, providerMessageID string) (platform.MessageOrigin, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT chat_id FROM inbound_messages
		WHERE tenant_id=$1 AND instance_id=$2 AND provider_message_id=$3
	`, tenantID, instanceID, providerMessageID)
	var chatID string
	if err := row.Scan(&chatID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return platform.MessageOrigin{}, false, nil
		}
		return platform.MessageOrigin{}, false, err
	}
	return platform.MessageOrigin{ChatID: chatID, FromMe: false}, true, nil
}

// FindOutboundOrigin resolves a provider message id against messages this
// service sent itself.
func (s *Store) FindOutboundOrigin(ctx context.Context, tenantID, instanceID, providerMessageID string) (platform.MessageOrigin, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT chat_id FROM outbound_messages
		WHERE tenant_id=$1 AND instance_id=$2 AND provider_message_id=$3
	`, tenantID, instanceID, providerMessageID)
	var chatID string
	if err := row.Scan(&chatID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return platform.MessageOrigin{}, false, nil
		}
		return platform.MessageOrigin{}, false, err
	}
	return platform.MessageOrigin{ChatID: chatID, FromMe: true}, true, nil
}
