package events_test

import (
	"log/slog"
	"testing"
	"time"

	"github.com/msgcore/msgcore/internal/events"
	"github.com/msgcore/msgcore/internal/platform"
)

func TestBusPublishReachesAllSubscribers(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(slog.Default())
	defer bus.Close()

	first, cancelFirst := bus.Subscribe()
	second, cancelSecond := bus.Subscribe()
	defer cancelFirst()
	defer cancelSecond()

	env := platform.NewEnvelope(platform.Envelope{TenantID: "t1"})
	bus.Publish(env)

	for name, ch := range map[string]<-chan platform.Envelope{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got.ID != env.ID {
				t.Fatalf("%s subscriber got envelope %q, want %q", name, got.ID, env.ID)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber did not receive the envelope", name)
		}
	}
}

func TestBusSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(slog.Default())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			bus.Publish(platform.NewEnvelope(platform.Envelope{TenantID: "t1"}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
	// Drain what survived; buffer holds the most recent envelopes.
	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	if received == 0 {
		t.Fatalf("slow subscriber received nothing")
	}
}

func TestBusCancelStopsDelivery(t *testing.T) {
	t.Parallel()
	bus := events.NewBus(slog.Default())
	defer bus.Close()

	ch, cancel := bus.Subscribe()
	cancel()
	bus.Publish(platform.NewEnvelope(platform.Envelope{TenantID: "t1"}))
	if _, open := <-ch; open {
		t.Fatalf("cancelled subscriber channel still open")
	}
}
