package platform

import (
	"context"
	"strings"
)

// MessageOrigin identifies where a provider message lives and whether it was
// sent by the tenant's own integration.
type MessageOrigin struct {
	ChatID string
	FromMe bool
}

// OriginStore is the history surface the reaction protocol reads: inbound and
// outbound messages by provider id, plus reaction events for emoji recovery.
type OriginStore interface {
	FindInboundOrigin(ctx context.Context, tenantID, instanceID, providerMessageID string) (MessageOrigin, bool, error)
	FindOutboundOrigin(ctx context.Context, tenantID, instanceID, providerMessageID string) (MessageOrigin, bool, error)
	LastAddedEmoji(ctx context.Context, tenantID, instanceID, providerMessageID, userID string) (string, bool, error)
}

type originLookup struct {
	origin MessageOrigin
	found  bool
	err    error
}

// ResolveOrigin determines the chat id and fromMe flag for a provider
// message id by querying the inbound and outbound stores concurrently and
// taking whichever matches. Outbound wins when both do. Neither matching is
// NotFound.
func ResolveOrigin(ctx context.Context, store OriginStore, tenantID, instanceID, providerMessageID string) (MessageOrigin, error) {
	if store == nil {
		return MessageOrigin{}, NewError(CodeNotFound, "message origin store not configured")
	}
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return MessageOrigin{}, NewError(CodeNotFound, "provider message id is required")
	}

	inboundCh := make(chan originLookup, 1)
	outboundCh := make(chan originLookup, 1)
	go func() {
		origin, found, err := store.FindInboundOrigin(ctx, tenantID, instanceID, providerMessageID)
		inboundCh <- originLookup{origin: origin, found: found, err: err}
	}()
	go func() {
		origin, found, err := store.FindOutboundOrigin(ctx, tenantID, instanceID, providerMessageID)
		origin.FromMe = true
		outboundCh <- originLookup{origin: origin, found: found, err: err}
	}()
	inbound := <-inboundCh
	outbound := <-outboundCh

	if outbound.err == nil && outbound.found {
		return outbound.origin, nil
	}
	if inbound.err == nil && inbound.found {
		return inbound.origin, nil
	}
	if outbound.err != nil {
		return MessageOrigin{}, outbound.err
	}
	if inbound.err != nil {
		return MessageOrigin{}, inbound.err
	}
	return MessageOrigin{}, NewError(CodeNotFound, "message %s not found in inbound or outbound history", providerMessageID)
}

// ResolveRemovedEmoji recovers the emoji for a reaction-removed event whose
// backend did not report one, using the most recently added reaction by the
// same user on the same message. No prior added record is MissingEmoji.
func ResolveRemovedEmoji(ctx context.Context, store OriginStore, tenantID, instanceID, providerMessageID, userID string) (string, error) {
	if store == nil {
		return "", NewError(CodeMissingEmoji, "reaction history store not configured")
	}
	emoji, found, err := store.LastAddedEmoji(ctx, tenantID, instanceID, strings.TrimSpace(providerMessageID), strings.TrimSpace(userID))
	if err != nil {
		return "", err
	}
	if !found || strings.TrimSpace(emoji) == "" {
		return "", NewError(CodeMissingEmoji, "no prior added reaction recorded for message %s", providerMessageID)
	}
	return emoji, nil
}
