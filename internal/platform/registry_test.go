package platform_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/msgcore/msgcore/internal/platform"
)

const testPlatformType = platform.PlatformType("mock")

// mockAdapter implements Adapter, Sender, Receiver, and Reactor for registry
// and manager tests. Counters track backend session lifecycle.
type mockAdapter struct {
	mu           sync.Mutex
	connectCount int32
	stopCount    int32
	connectErr   error
	sendErr      error
	lastSend     platform.Content
	reactions    []string
	handler      platform.InboundHandler
	lastInstance platform.Instance
}

func (a *mockAdapter) Type() platform.PlatformType { return testPlatformType }

func (a *mockAdapter) Descriptor() platform.Descriptor {
	return platform.Descriptor{
		Type:        testPlatformType,
		DisplayName: "Mock",
		Capabilities: platform.Capabilities{
			Text: true, Attachments: true, Embeds: true, Buttons: true, Reactions: true, Reply: true,
		},
		Limits: platform.Limits{MaxTextRunes: 2000, MaxEmbeds: 10, MaxEmbedFields: 25, NativeEmbeds: true},
	}
}

func (a *mockAdapter) Connect(ctx context.Context, inst platform.Instance, handler platform.InboundHandler) (platform.Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	atomic.AddInt32(&a.connectCount, 1)
	a.handler = handler
	a.lastInstance = inst
	return platform.NewConnection(inst, func(ctx context.Context) error {
		atomic.AddInt32(&a.stopCount, 1)
		return nil
	}), nil
}

func (a *mockAdapter) Send(ctx context.Context, inst platform.Instance, target string, content platform.Content, opts platform.SendOptions) (platform.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return platform.SendResult{}, a.sendErr
	}
	a.lastSend = content
	return platform.SendResult{ProviderMessageID: "msg-1"}, nil
}

func (a *mockAdapter) React(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactions = append(a.reactions, "+"+emoji)
	return nil
}

func (a *mockAdapter) Unreact(ctx context.Context, inst platform.Instance, chatID, messageID, emoji string, fromMe bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reactions = append(a.reactions, "-"+emoji)
	return nil
}

func (a *mockAdapter) connects() int32 { return atomic.LoadInt32(&a.connectCount) }
func (a *mockAdapter) stops() int32    { return atomic.LoadInt32(&a.stopCount) }

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()
	reg := platform.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	if _, ok := reg.Get(testPlatformType); !ok {
		t.Fatalf("registered adapter not found")
	}
	if _, ok := reg.Get(platform.PlatformType("MOCK")); !ok {
		t.Fatalf("lookup should be case-insensitive")
	}
	if err := reg.Register(&mockAdapter{}); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestRegistryCapabilityAccessors(t *testing.T) {
	t.Parallel()
	reg := platform.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	if sender, ok := reg.GetSender(testPlatformType); !ok || sender == nil {
		t.Fatalf("GetSender should resolve the mock adapter")
	}
	if reactor, ok := reg.GetReactor(testPlatformType); !ok || reactor == nil {
		t.Fatalf("GetReactor should resolve the mock adapter")
	}
	if _, ok := reg.GetWebhookReceiver(testPlatformType); ok {
		t.Fatalf("mock adapter does not accept webhooks")
	}
	caps, ok := reg.GetCapabilities(testPlatformType)
	if !ok || !caps.Reactions {
		t.Fatalf("capabilities = %+v, ok=%v", caps, ok)
	}
	if _, ok := reg.GetSender(platform.PlatformType("unknown")); ok {
		t.Fatalf("unknown platform resolved a sender")
	}
}

func TestRegistryParsePlatformType(t *testing.T) {
	t.Parallel()
	reg := platform.NewRegistry()
	reg.MustRegister(&mockAdapter{})
	pt, err := reg.ParsePlatformType("  Mock ")
	if err != nil || pt != testPlatformType {
		t.Fatalf("ParsePlatformType = (%q, %v)", pt, err)
	}
	if _, err := reg.ParsePlatformType("nope"); err == nil {
		t.Fatalf("unknown platform parsed")
	}
}

func TestRegistryLimitOverrides(t *testing.T) {
	t.Parallel()
	reg := platform.NewRegistry()
	reg.MustRegister(&mockAdapter{})

	textRunes := 500
	attachmentBytes := int64(1 << 20)
	reg.OverrideLimits(testPlatformType, platform.LimitOverrides{
		MaxTextRunes:       &textRunes,
		MaxAttachmentBytes: &attachmentBytes,
	})

	desc, ok := reg.GetDescriptor(testPlatformType)
	if !ok {
		t.Fatalf("descriptor not found")
	}
	if desc.Limits.MaxTextRunes != 500 {
		t.Fatalf("MaxTextRunes = %d, want 500", desc.Limits.MaxTextRunes)
	}
	if desc.Limits.MaxAttachmentBytes != 1<<20 {
		t.Fatalf("MaxAttachmentBytes = %d, want %d", desc.Limits.MaxAttachmentBytes, 1<<20)
	}
	if desc.Limits.MaxEmbeds != 10 {
		t.Fatalf("MaxEmbeds = %d, untouched fields must keep adapter defaults", desc.Limits.MaxEmbeds)
	}

	limits, ok := reg.GetLimits(testPlatformType)
	if !ok || limits.MaxTextRunes != 500 {
		t.Fatalf("GetLimits = (%+v, %v), override not applied", limits, ok)
	}
}
