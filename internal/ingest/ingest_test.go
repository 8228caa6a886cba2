package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/msgcore/msgcore/internal/events"
	"github.com/msgcore/msgcore/internal/ingest"
	"github.com/msgcore/msgcore/internal/platform"
)

type memoryStore struct {
	mu         sync.Mutex
	messages   map[string]platform.Envelope
	reactions  map[string]ingest.ReactionEvent
	clicks     map[string]ingest.ButtonClick
	insertErr  error
	lastEmojis map[string]string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		messages:   make(map[string]platform.Envelope),
		reactions:  make(map[string]ingest.ReactionEvent),
		clicks:     make(map[string]ingest.ButtonClick),
		lastEmojis: make(map[string]string),
	}
}

func (s *memoryStore) InsertInboundMessage(_ context.Context, env platform.Envelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	key := env.TenantID + ":" + env.InstanceID + ":" + env.Meta.EventID
	if _, ok := s.messages[key]; ok {
		return false, nil
	}
	s.messages[key] = env
	return true, nil
}

func (s *memoryStore) InsertReaction(_ context.Context, event ingest.ReactionEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	key := fmt.Sprintf("%s:%s:%s:%s:%s", event.TenantID, event.InstanceID, event.ProviderMessageID, event.Emoji, event.Kind)
	if _, ok := s.reactions[key]; ok {
		return false, nil
	}
	s.reactions[key] = event
	return true, nil
}

func (s *memoryStore) InsertButtonClick(_ context.Context, click ingest.ButtonClick) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	key := click.TenantID + ":" + click.InstanceID + ":" + click.ProviderMessageID
	if _, ok := s.clicks[key]; ok {
		return false, nil
	}
	s.clicks[key] = click
	return true, nil
}

func (s *memoryStore) LastAddedEmoji(_ context.Context, _, _, providerMessageID, userID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	emoji, ok := s.lastEmojis[providerMessageID+"/"+userID]
	return emoji, ok, nil
}

func testInstance() platform.Instance {
	return platform.Instance{
		ID:       "inst-1",
		TenantID: "tenant-1",
		Platform: "telegram",
	}
}

func inboundEnvelope(eventID, text string) platform.Envelope {
	return platform.NewEnvelope(platform.Envelope{
		Platform:   "telegram",
		TenantID:   "tenant-1",
		InstanceID: "inst-1",
		User:       platform.User{ProviderUserID: "u-9"},
		Content:    platform.Content{Text: text},
		Meta:       platform.ProviderMeta{EventID: eventID},
	})
}

func drain(ch <-chan platform.Envelope) []platform.Envelope {
	var got []platform.Envelope
	for {
		select {
		case env := <-ch:
			got = append(got, env)
		case <-time.After(100 * time.Millisecond):
			return got
		}
	}
}

func TestHandleInboundStoresAndPublishes(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	bus := events.NewBus(slog.Default())
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	proc := ingest.NewProcessor(slog.Default(), store, bus)
	if err := proc.HandleInbound(context.Background(), testInstance(), inboundEnvelope("evt-1", "hello")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected 1 stored message, got %d", len(store.messages))
	}
	if got := drain(ch); len(got) != 1 || got[0].Content.Text != "hello" {
		t.Fatalf("expected 1 published envelope with text, got %+v", got)
	}
}

func TestHandleInboundDuplicateIsSilentNoOp(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	bus := events.NewBus(slog.Default())
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	proc := ingest.NewProcessor(slog.Default(), store, bus)
	env := inboundEnvelope("evt-dup", "hello")
	for i := 0; i < 2; i++ {
		if err := proc.HandleInbound(context.Background(), testInstance(), env); err != nil {
			t.Fatalf("HandleInbound attempt %d: %v", i, err)
		}
	}
	if len(store.messages) != 1 {
		t.Fatalf("expected exactly 1 stored message, got %d", len(store.messages))
	}
	if got := drain(ch); len(got) != 1 {
		t.Fatalf("expected duplicate to suppress publication, got %d events", len(got))
	}
}

func TestHandleInboundStorageErrorStillPublishes(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.insertErr = errors.New("connection refused")
	bus := events.NewBus(slog.Default())
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	proc := ingest.NewProcessor(slog.Default(), store, bus)
	err := proc.HandleInbound(context.Background(), testInstance(), inboundEnvelope("evt-2", "hi"))
	if err == nil {
		t.Fatal("expected storage error to propagate")
	}
	if got := drain(ch); len(got) != 1 {
		t.Fatalf("expected envelope published despite storage error, got %d", len(got))
	}
}

func TestHandleInboundDropsEmptyEnvelope(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	proc := ingest.NewProcessor(slog.Default(), store, nil)
	if err := proc.HandleInbound(context.Background(), testInstance(), inboundEnvelope("evt-3", "")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(store.messages) != 0 {
		t.Fatalf("expected empty envelope dropped, got %d records", len(store.messages))
	}
}

func TestHandleInboundRoutesButtonClicks(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	proc := ingest.NewProcessor(slog.Default(), store, nil)
	env := inboundEnvelope("evt-click", "")
	env.Action = &platform.EnvelopeAction{Type: ingest.ActionButtonClick, Value: "approve"}
	if err := proc.HandleInbound(context.Background(), testInstance(), env); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if len(store.clicks) != 1 || len(store.messages) != 0 {
		t.Fatalf("expected 1 click and 0 messages, got %d clicks %d messages", len(store.clicks), len(store.messages))
	}
	for _, click := range store.clicks {
		if click.Value != "approve" || click.UserID != "u-9" {
			t.Fatalf("unexpected click record: %+v", click)
		}
	}
}

func TestHandleReactionRecoversRemovedEmoji(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	store.lastEmojis["msg-1/u-9"] = "👍"
	proc := ingest.NewProcessor(slog.Default(), store, nil)

	err := proc.HandleReaction(context.Background(), testInstance(), ingest.ReactionEvent{
		ProviderMessageID: "msg-1",
		ChatID:            "chat-1",
		UserID:            "u-9",
		Kind:              ingest.ReactionRemoved,
	})
	if err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	if len(store.reactions) != 1 {
		t.Fatalf("expected 1 reaction record, got %d", len(store.reactions))
	}
	for _, rec := range store.reactions {
		if rec.Emoji != "👍" {
			t.Fatalf("expected recovered emoji 👍, got %q", rec.Emoji)
		}
		if rec.TenantID != "tenant-1" || rec.InstanceID != "inst-1" {
			t.Fatalf("expected instance fields filled in, got %+v", rec)
		}
	}
}

func TestHandleReactionDuplicateIsSilentNoOp(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	proc := ingest.NewProcessor(slog.Default(), store, nil)
	event := ingest.ReactionEvent{
		ProviderMessageID: "msg-2",
		ChatID:            "chat-1",
		UserID:            "u-9",
		Emoji:             "🎉",
		Kind:              ingest.ReactionAdded,
	}
	for i := 0; i < 2; i++ {
		if err := proc.HandleReaction(context.Background(), testInstance(), event); err != nil {
			t.Fatalf("HandleReaction attempt %d: %v", i, err)
		}
	}
	if len(store.reactions) != 1 {
		t.Fatalf("expected exactly 1 reaction record, got %d", len(store.reactions))
	}
}

func TestHandleReactionPublishesActionEnvelope(t *testing.T) {
	t.Parallel()
	store := newMemoryStore()
	bus := events.NewBus(slog.Default())
	defer bus.Close()
	ch, cancel := bus.Subscribe()
	defer cancel()

	proc := ingest.NewProcessor(slog.Default(), store, bus)
	err := proc.HandleReaction(context.Background(), testInstance(), ingest.ReactionEvent{
		ProviderMessageID: "msg-3",
		ChatID:            "chat-2",
		UserID:            "u-9",
		Emoji:             "👀",
		Kind:              ingest.ReactionAdded,
	})
	if err != nil {
		t.Fatalf("HandleReaction: %v", err)
	}
	got := drain(ch)
	if len(got) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(got))
	}
	if got[0].Action == nil || got[0].Action.Type != ingest.ActionReactionAdded || got[0].Action.Value != "👀" {
		t.Fatalf("unexpected action payload: %+v", got[0].Action)
	}
	if got[0].ThreadID != "chat-2" {
		t.Fatalf("expected chat id carried on thread id, got %q", got[0].ThreadID)
	}
}
