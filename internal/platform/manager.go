package platform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// InstanceSource resolves platform instances with credentials decrypted for
// the duration of one operation. Callers must not cache what it returns.
type InstanceSource interface {
	ListActiveInstances(ctx context.Context) ([]Instance, error)
	GetInstance(ctx context.Context, tenantID, instanceID string) (Instance, error)
}

// InboundSink consumes normalized envelopes from adapters. Implementations
// own persistence and event emission.
type InboundSink interface {
	HandleInbound(ctx context.Context, inst Instance, env Envelope) error
}

// Middleware wraps an InboundHandler to add cross-cutting behavior.
type Middleware func(next InboundHandler) InboundHandler

// Connection states reported through ConnectionStatus.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDegraded     = "degraded"
	StateDisconnected = "disconnected"
)

type inboundTask struct {
	inst Instance
	env  Envelope
}

// Manager owns the per-tenant connection registry: it creates, reuses, and
// tears down adapter connections keyed by tenant_id:instance_id, dispatches
// outbound sends and reactions, and fans inbound envelopes out to the sink
// through a bounded worker pool.
type Manager struct {
	registry        *Registry
	source          InstanceSource
	sink            InboundSink
	origins         OriginStore
	logger          *slog.Logger
	refreshInterval time.Duration
	middlewares     []Middleware

	// sessionCap bounds live session-backed connections across all tenants.
	// Zero means unlimited; webhook-driven connections never count.
	sessionCap int

	// Inbound envelopes shard by connection key to one queue each; a key's
	// events always land on the same worker, keeping its stream ordered.
	inboundQueues []chan inboundTask
	inboundOnce   sync.Once
	inboundCancel context.CancelFunc

	// mu guards the connections and meta maps only. Connect and teardown
	// run under per-key locks so slow handshakes on one key never block
	// progress on another.
	mu          sync.Mutex
	keyMu       sync.Mutex
	keyLocks    map[string]*sync.Mutex
	connections map[string]*connectionEntry
	meta        map[string]ConnectionStatus
	refreshMu   sync.Mutex
}

// NewManager creates a Manager over the given registry, instance source,
// inbound sink, and message-origin store.
func NewManager(log *slog.Logger, registry *Registry, source InstanceSource, sink InboundSink, origins OriginStore) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	queues := make([]chan inboundTask, 4)
	for i := range queues {
		queues[i] = make(chan inboundTask, 64)
	}
	return &Manager{
		registry:        registry,
		source:          source,
		sink:            sink,
		origins:         origins,
		refreshInterval: 5 * time.Minute,
		logger:          log.With(slog.String("component", "platform")),
		keyLocks:        map[string]*sync.Mutex{},
		connections:     map[string]*connectionEntry{},
		meta:            map[string]ConnectionStatus{},
		inboundQueues:   queues,
	}
}

// Registry returns the provider registry used by this manager.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SetSessionCap bounds how many session-backed connections may run at once.
// Call before Start; zero or negative leaves the cap unlimited.
func (m *Manager) SetSessionCap(n int) {
	if n > 0 {
		m.sessionCap = n
	}
}

// Use appends middleware to the inbound processing chain.
func (m *Manager) Use(mw ...Middleware) {
	m.middlewares = append(m.middlewares, mw...)
}

// Start begins the periodic reconcile loop and the inbound worker pool.
func (m *Manager) Start(ctx context.Context) {
	m.logger.Info("manager start")
	m.startInboundWorkers(ctx)
	go func() {
		m.Refresh(ctx)
		ticker := time.NewTicker(m.refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("manager stop")
				m.stopAll(ctx)
				return
			case <-ticker.C:
				m.Refresh(ctx)
			}
		}
	}()
}

// Shutdown cancels the inbound worker pool and stops all live connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.inboundCancel != nil {
		m.inboundCancel()
	}
	m.stopAll(ctx)
	return nil
}

// Send delivers content to one target through the owning adapter. The
// connection for the instance is ensured first; sends against an instance
// that cannot connect fail with NotConnected. Adapters never retry; retry
// policy belongs to the delivery queue.
func (m *Manager) Send(ctx context.Context, inst Instance, target Target, content Content, opts SendOptions) (SendResult, error) {
	sender, ok := m.registry.GetSender(inst.Platform)
	if !ok {
		return SendResult{}, NewError(CodeDeliveryFailed, "platform %s does not support sending", inst.Platform)
	}
	if content.IsEmpty() {
		return SendResult{}, NewError(CodeEmptyMessage, "message has no deliverable content")
	}
	caps, _ := m.registry.GetCapabilities(inst.Platform)
	if err := ValidateCapabilities(caps, content); err != nil {
		return SendResult{}, WrapError(CodeDeliveryFailed, err, "content not deliverable on %s", inst.Platform)
	}
	if err := m.ensureConnection(ctx, inst); err != nil {
		return SendResult{}, WrapError(CodeNotConnected, err, "no live connection for %s", inst.Key())
	}
	m.logger.Info("send outbound",
		slog.String("platform", inst.Platform.String()),
		slog.String("tenant_id", inst.TenantID),
		slog.String("instance_id", inst.ID),
		slog.String("target", target.ID))
	result, err := sender.Send(ctx, inst, strings.TrimSpace(target.ID), content, opts)
	if err != nil {
		m.logger.Error("send outbound failed",
			slog.String("platform", inst.Platform.String()),
			slog.String("instance_id", inst.ID),
			slog.Any("error", err))
		return result, err
	}
	m.touchActivity(inst.Key())
	return result, nil
}

// React adds or removes an emoji reaction. The origin of the target message
// (chat id, whether it was sent by the tenant's own integration) is resolved
// from stored history before the adapter call; a removal without an emoji
// recovers the most recently added one from reaction history.
func (m *Manager) React(ctx context.Context, inst Instance, req ReactRequest) error {
	reactor, ok := m.registry.GetReactor(inst.Platform)
	if !ok {
		return NewError(CodeDeliveryFailed, "platform %s does not support reactions", inst.Platform)
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		return NewError(CodeNotFound, "message_id is required for reactions")
	}
	origin, err := ResolveOrigin(ctx, m.origins, inst.TenantID, inst.ID, messageID)
	if err != nil {
		return err
	}
	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		chatID = origin.ChatID
	}
	emoji := strings.TrimSpace(req.Emoji)
	if req.Remove && emoji == "" {
		emoji, err = ResolveRemovedEmoji(ctx, m.origins, inst.TenantID, inst.ID, messageID, req.UserID)
		if err != nil {
			return err
		}
	}
	if !req.Remove && emoji == "" {
		return NewError(CodeMissingEmoji, "emoji is required when adding a reaction")
	}
	if err := m.ensureConnection(ctx, inst); err != nil {
		return WrapError(CodeNotConnected, err, "no live connection for %s", inst.Key())
	}
	m.logger.Info("react outbound",
		slog.String("platform", inst.Platform.String()),
		slog.String("instance_id", inst.ID),
		slog.String("message_id", messageID),
		slog.Bool("remove", req.Remove))
	if req.Remove {
		return reactor.Unreact(ctx, inst, chatID, messageID, emoji, origin.FromMe)
	}
	return reactor.React(ctx, inst, chatID, messageID, emoji, origin.FromMe)
}

// DispatchWebhook routes a raw webhook body to the adapter owning the
// instance, ensuring its connection exists first so the adapter has a live
// handler to feed.
func (m *Manager) DispatchWebhook(ctx context.Context, inst Instance, body []byte, headers map[string]string) error {
	receiver, ok := m.registry.GetWebhookReceiver(inst.Platform)
	if !ok {
		return NewError(CodeNotFound, "platform %s does not accept webhooks", inst.Platform)
	}
	if err := m.ensureConnection(ctx, inst); err != nil {
		return WrapError(CodeNotConnected, err, "no live connection for %s", inst.Key())
	}
	m.touchActivity(inst.Key())
	return receiver.HandleWebhook(ctx, inst, body, headers)
}

// Statuses returns connection status snapshots for one tenant, sorted by
// platform then instance.
func (m *Manager) Statuses(tenantID string) []ConnectionStatus {
	tenantID = strings.TrimSpace(tenantID)
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]ConnectionStatus, 0, len(m.meta))
	for _, status := range m.meta {
		if tenantID == "" || status.TenantID == tenantID {
			items = append(items, status)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Platform == items[j].Platform {
			return items[i].InstanceID < items[j].InstanceID
		}
		return items[i].Platform < items[j].Platform
	})
	return items
}

func (m *Manager) startInboundWorkers(ctx context.Context) {
	m.inboundOnce.Do(func() {
		workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.inboundCancel = cancel
		for _, queue := range m.inboundQueues {
			go m.runInboundWorker(workerCtx, queue)
		}
	})
}

func (m *Manager) runInboundWorker(ctx context.Context, queue <-chan inboundTask) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-queue:
			if m.sink == nil {
				continue
			}
			if err := m.sink.HandleInbound(ctx, task.inst, task.env); err != nil {
				m.logger.Warn("inbound processing failed",
					slog.String("platform", task.inst.Platform.String()),
					slog.String("instance_id", task.inst.ID),
					slog.String("event_id", task.env.Meta.EventID),
					slog.Any("error", err))
			}
		}
	}
}

// handleInbound is the root InboundHandler wired into every connection. The
// envelope goes to the queue owned by the connection key's worker; a single
// drain goroutine per queue keeps each connection's event stream in arrival
// order.
func (m *Manager) handleInbound(ctx context.Context, inst Instance, env Envelope) error {
	key := inst.Key()
	m.touchActivity(key)
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(key))
	queue := m.inboundQueues[hash.Sum32()%uint32(len(m.inboundQueues))]
	select {
	case queue <- inboundTask{inst: inst, env: env}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) inboundHandler() InboundHandler {
	handler := m.handleInbound
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		handler = m.middlewares[i](handler)
	}
	return handler
}

func (m *Manager) touchActivity(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if status, ok := m.meta[key]; ok {
		status.LastActivity = time.Now().UTC()
		m.meta[key] = status
	}
}

// credentialFingerprint produces a stable digest of a credentials map.
// Identical credentials on a repeated create keep the live connection;
// a changed digest triggers teardown-then-recreate.
func credentialFingerprint(credentials map[string]any) string {
	raw, err := json.Marshal(credentials)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
