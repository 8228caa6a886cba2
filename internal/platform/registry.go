package platform

import (
	"fmt"
	"strings"
	"sync"
)

// Registry maps platform names to their adapters and declared capabilities.
// It is populated once at startup via explicit Register calls and read-only
// afterwards; callers use it to route work and pre-validate requests.
type Registry struct {
	mu        sync.RWMutex
	adapters  map[PlatformType]Adapter
	overrides map[PlatformType]LimitOverrides
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters:  map[PlatformType]Adapter{},
		overrides: map[PlatformType]LimitOverrides{},
	}
}

// LimitOverrides adjusts a platform's declared content limits. Nil fields
// keep the adapter's defaults.
type LimitOverrides struct {
	MaxTextRunes       *int
	MaxCaptionRunes    *int
	MaxEmbeds          *int
	MaxEmbedFields     *int
	MaxButtons         *int
	ButtonsPerRow      *int
	MaxButtonRows      *int
	MaxAttachmentBytes *int64
}

func (o LimitOverrides) apply(l Limits) Limits {
	if o.MaxTextRunes != nil {
		l.MaxTextRunes = *o.MaxTextRunes
	}
	if o.MaxCaptionRunes != nil {
		l.MaxCaptionRunes = *o.MaxCaptionRunes
	}
	if o.MaxEmbeds != nil {
		l.MaxEmbeds = *o.MaxEmbeds
	}
	if o.MaxEmbedFields != nil {
		l.MaxEmbedFields = *o.MaxEmbedFields
	}
	if o.MaxButtons != nil {
		l.MaxButtons = *o.MaxButtons
	}
	if o.ButtonsPerRow != nil {
		l.ButtonsPerRow = *o.ButtonsPerRow
	}
	if o.MaxButtonRows != nil {
		l.MaxButtonRows = *o.MaxButtonRows
	}
	if o.MaxAttachmentBytes != nil {
		l.MaxAttachmentBytes = *o.MaxAttachmentBytes
	}
	return l
}

// OverrideLimits installs operator-supplied limit overrides for one platform.
// Call during startup, before the registry is in use.
func (r *Registry) OverrideLimits(platform PlatformType, o LimitOverrides) {
	pt := normalizePlatformType(platform.String())
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[pt] = o
}

// Register adds an adapter. Duplicate platform types are rejected.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	pt := normalizePlatformType(adapter.Type().String())
	if pt == "" {
		return fmt.Errorf("platform type is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[pt]; exists {
		return fmt.Errorf("platform type already registered: %s", pt)
	}
	r.adapters[pt] = adapter
	return nil
}

// MustRegister calls Register and panics on error.
func (r *Registry) MustRegister(adapter Adapter) {
	if err := r.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for the given platform type.
func (r *Registry) Get(platform PlatformType) (Adapter, bool) {
	pt := normalizePlatformType(platform.String())
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[pt]
	return adapter, ok
}

// List returns all registered adapters.
func (r *Registry) List() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		items = append(items, a)
	}
	return items
}

// Types returns all registered platform types.
func (r *Registry) Types() []PlatformType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]PlatformType, 0, len(r.adapters))
	for pt := range r.adapters {
		items = append(items, pt)
	}
	return items
}

// GetDescriptor returns the descriptor for the given platform type.
func (r *Registry) GetDescriptor(platform PlatformType) (Descriptor, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return Descriptor{}, false
	}
	desc := adapter.Descriptor()
	r.mu.RLock()
	override, hasOverride := r.overrides[normalizePlatformType(platform.String())]
	r.mu.RUnlock()
	if hasOverride {
		desc.Limits = override.apply(desc.Limits)
	}
	return desc, true
}

// ListDescriptors returns descriptors for all registered platform types.
func (r *Registry) ListDescriptors() []Descriptor {
	types := r.Types()
	items := make([]Descriptor, 0, len(types))
	for _, pt := range types {
		if desc, ok := r.GetDescriptor(pt); ok {
			items = append(items, desc)
		}
	}
	return items
}

// ParsePlatformType validates a raw string against registered platforms.
func (r *Registry) ParsePlatformType(raw string) (PlatformType, error) {
	pt := normalizePlatformType(raw)
	if pt == "" {
		return "", fmt.Errorf("unsupported platform type: %s", raw)
	}
	if _, ok := r.Get(pt); !ok {
		return "", fmt.Errorf("unsupported platform type: %s", raw)
	}
	return pt, nil
}

// GetCapabilities returns the capability matrix for the given platform type.
func (r *Registry) GetCapabilities(platform PlatformType) (Capabilities, bool) {
	desc, ok := r.GetDescriptor(platform)
	if !ok {
		return Capabilities{}, false
	}
	return desc.Capabilities, true
}

// GetLimits returns the content limits for the given platform type.
func (r *Registry) GetLimits(platform PlatformType) (Limits, bool) {
	desc, ok := r.GetDescriptor(platform)
	if !ok {
		return Limits{}, false
	}
	return desc.Limits, true
}

// GetSender returns the Sender for the given platform type, or nil if unsupported.
func (r *Registry) GetSender(platform PlatformType) (Sender, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	sender, ok := adapter.(Sender)
	return sender, ok
}

// GetReceiver returns the Receiver for the given platform type, or nil if unsupported.
func (r *Registry) GetReceiver(platform PlatformType) (Receiver, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(Receiver)
	return receiver, ok
}

// GetWebhookReceiver returns the WebhookReceiver for the given platform type,
// or nil if unsupported.
func (r *Registry) GetWebhookReceiver(platform PlatformType) (WebhookReceiver, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	receiver, ok := adapter.(WebhookReceiver)
	return receiver, ok
}

// GetReactor returns the Reactor for the given platform type, or nil if unsupported.
func (r *Registry) GetReactor(platform PlatformType) (Reactor, bool) {
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, false
	}
	reactor, ok := adapter.(Reactor)
	return reactor, ok
}

// NormalizeConfig validates and normalizes instance credentials through the
// adapter's ConfigNormalizer when present.
func (r *Registry) NormalizeConfig(platform PlatformType, raw map[string]any) (map[string]any, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	adapter, ok := r.Get(platform)
	if !ok {
		return nil, fmt.Errorf("unsupported platform type: %s", platform)
	}
	if normalizer, ok := adapter.(ConfigNormalizer); ok {
		return normalizer.NormalizeConfig(raw)
	}
	return raw, nil
}

func normalizePlatformType(raw string) PlatformType {
	normalized := strings.TrimSpace(strings.ToLower(raw))
	if normalized == "" {
		return ""
	}
	return PlatformType(normalized)
}
