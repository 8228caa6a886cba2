package platform

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrStopNotSupported is returned when a connection has no graceful shutdown.
var ErrStopNotSupported = errors.New("platform connection stop not supported")

// InboundHandler is invoked for every event an adapter normalizes. Handlers
// own persistence and event emission; adapters only translate.
type InboundHandler func(ctx context.Context, inst Instance, env Envelope) error

// Adapter is the base interface every platform adapter must implement.
// All behavior beyond identification is expressed through optional
// interfaces resolved by the provider registry.
type Adapter interface {
	Type() PlatformType
	Descriptor() Descriptor
}

// Capabilities declares which canonical features a platform supports.
type Capabilities struct {
	Text        bool `json:"text"`
	Attachments bool `json:"attachments"`
	Embeds      bool `json:"embeds"`
	Buttons     bool `json:"buttons"`
	Reactions   bool `json:"reactions"`
	Reply       bool `json:"reply"`
	Threads     bool `json:"threads"`
}

// Limits parameterizes the content transformer for one platform.
type Limits struct {
	MaxTextRunes       int
	MaxCaptionRunes    int
	MaxEmbeds          int
	MaxEmbedFields     int
	MaxButtons         int
	ButtonsPerRow      int
	MaxButtonRows      int
	MaxAttachmentBytes int64
	// NativeEmbeds: the backend has a structured embed object. Otherwise
	// embeds are flattened to markup text.
	NativeEmbeds bool
	// InlineFields: the native embed honors field inline layout. Flattened
	// output groups inline fields two per line regardless.
	InlineFields bool
	// MediaGroupSize > 1 enables batching same-kind URL attachments.
	MediaGroupSize int
	// ButtonURLSchemeHTTPSOnly restricts link buttons to https.
	ButtonURLSchemeHTTPSOnly bool
}

// Descriptor holds read-only metadata for a registered platform type.
type Descriptor struct {
	Type         PlatformType
	DisplayName  string
	Capabilities Capabilities
	Limits       Limits
	// WebhookDriven adapters receive events through the webhook router
	// rather than a persistent session.
	WebhookDriven bool
}

// ConfigNormalizer validates and normalizes instance credentials before they
// are sealed and stored.
type ConfigNormalizer interface {
	NormalizeConfig(raw map[string]any) (map[string]any, error)
}

// Sender delivers one transformed message to a platform destination.
// Implementations never retry; retry policy lives in the delivery queue.
type Sender interface {
	Send(ctx context.Context, inst Instance, target string, content Content, opts SendOptions) (SendResult, error)
}

// Receiver establishes a live link to the backend. Session adapters open a
// socket; webhook adapters register their event route and return a passive
// connection that tracks activity.
type Receiver interface {
	Connect(ctx context.Context, inst Instance, handler InboundHandler) (Connection, error)
}

// WebhookReceiver handles raw webhook bodies routed by token. The adapter
// parses the platform's event shape and feeds the handler it was connected
// with.
type WebhookReceiver interface {
	HandleWebhook(ctx context.Context, inst Instance, body []byte, headers map[string]string) error
}

// Reactor adds or removes emoji reactions on messages.
type Reactor interface {
	React(ctx context.Context, inst Instance, chatID, messageID, emoji string, fromMe bool) error
	Unreact(ctx context.Context, inst Instance, chatID, messageID, emoji string, fromMe bool) error
}

// Connection represents an active link to a platform for one instance.
type Connection interface {
	InstanceID() string
	TenantID() string
	Platform() PlatformType
	Stop(ctx context.Context) error
	Running() bool
}

// BaseConnection is a default Connection backed by a stop function. The stop
// function must detach event listeners before releasing the backend handle
// so repeated create/remove cycles do not leak callbacks.
type BaseConnection struct {
	instanceID string
	tenantID   string
	platform   PlatformType
	stop       func(ctx context.Context) error
	running    atomic.Bool
}

// NewConnection creates a BaseConnection for the given instance.
func NewConnection(inst Instance, stop func(ctx context.Context) error) *BaseConnection {
	conn := &BaseConnection{
		instanceID: inst.ID,
		tenantID:   inst.TenantID,
		platform:   inst.Platform,
		stop:       stop,
	}
	conn.running.Store(true)
	return conn
}

// InstanceID returns the platform instance identifier.
func (c *BaseConnection) InstanceID() string {
	return c.instanceID
}

// TenantID returns the tenant that owns this connection.
func (c *BaseConnection) TenantID() string {
	return c.tenantID
}

// Platform returns the backend type this connection serves.
func (c *BaseConnection) Platform() PlatformType {
	return c.platform
}

// Stop shuts the connection down. Safe to call more than once.
func (c *BaseConnection) Stop(ctx context.Context) error {
	if !c.running.Swap(false) {
		return nil
	}
	if c.stop == nil {
		return ErrStopNotSupported
	}
	return c.stop(ctx)
}

// Running reports whether the connection is still active.
func (c *BaseConnection) Running() bool {
	return c.running.Load()
}
