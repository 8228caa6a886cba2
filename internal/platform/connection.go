package platform

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type connectionEntry struct {
	inst        Instance
	fingerprint string
	connection  Connection
	session     bool
}

func (m *Manager) lockFor(key string) func() {
	m.keyMu.Lock()
	lock, ok := m.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.keyLocks[key] = lock
	}
	m.keyMu.Unlock()
	lock.Lock()
	return lock.Unlock
}

// Refresh reconciles live connections against stored active instances.
// Used at startup and as a periodic safety net; prefer EnsureConnection /
// RemoveConnection for targeted changes after API operations.
func (m *Manager) Refresh(ctx context.Context) {
	// Serialize refresh calls so concurrent callers wait instead of racing.
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if m.source == nil {
		return
	}
	instances, err := m.source.ListActiveInstances(ctx)
	if err != nil {
		m.logger.Error("list instances failed", slog.Any("error", err))
		return
	}
	active := map[string]struct{}{}
	for _, inst := range instances {
		if inst.ID == "" || inst.Disabled {
			continue
		}
		active[inst.Key()] = struct{}{}
		if err := m.ensureConnection(ctx, inst); err != nil {
			m.logger.Error("adapter start failed",
				slog.String("tenant_id", inst.TenantID),
				slog.String("platform", inst.Platform.String()),
				slog.String("instance_id", inst.ID),
				slog.Any("error", err))
		}
	}

	m.mu.Lock()
	stale := make([]string, 0)
	for key := range m.connections {
		if _, ok := active[key]; !ok {
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()
	for _, key := range stale {
		m.removeConnection(ctx, key)
	}
}

// EnsureConnection starts, reuses, or restarts the connection for the given
// instance. Disabled instances are torn down instead.
func (m *Manager) EnsureConnection(ctx context.Context, inst Instance) error {
	if strings.TrimSpace(inst.ID) == "" {
		return NewError(CodeNotFound, "instance id is required")
	}
	if inst.Disabled {
		m.removeConnection(ctx, inst.Key())
		return nil
	}
	return m.ensureConnection(ctx, inst)
}

// RemoveConnection tears down the connection for the given composite key.
// A second call for the same key is a no-op.
func (m *Manager) RemoveConnection(ctx context.Context, tenantID, instanceID string) {
	m.removeConnection(ctx, ConnectionKey(tenantID, instanceID))
}

// ensureConnection is idempotent per key: identical credentials reuse the
// live connection, changed credentials tear down then recreate. All of this
// runs under the key's own lock so two concurrent creates for one key can
// never produce two live backend sessions, while other keys proceed
// independently.
func (m *Manager) ensureConnection(ctx context.Context, inst Instance) error {
	receiver, ok := m.registry.GetReceiver(inst.Platform)
	if !ok {
		return NewError(CodeNotFound, "no receiver registered for platform %s", inst.Platform)
	}
	key := inst.Key()
	unlock := m.lockFor(key)
	defer unlock()

	fingerprint := credentialFingerprint(inst.Credentials)

	m.mu.Lock()
	entry := m.connections[key]
	m.mu.Unlock()

	if entry != nil && entry.connection != nil && entry.connection.Running() && entry.fingerprint == fingerprint {
		m.setStatus(inst, StateConnected, nil)
		return nil
	}

	if entry != nil && entry.connection != nil {
		reason := "restart"
		if entry.fingerprint != fingerprint {
			reason = "credential rotation"
		}
		m.logger.Info("adapter restart",
			slog.String("tenant_id", inst.TenantID),
			slog.String("platform", inst.Platform.String()),
			slog.String("instance_id", inst.ID),
			slog.String("reason", reason))
		if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
			m.logger.Warn("adapter stop failed",
				slog.String("instance_id", inst.ID),
				slog.Any("error", err))
		}
		m.mu.Lock()
		delete(m.connections, key)
		m.mu.Unlock()
	}

	// Session backends hold a live socket each; past the cap the create is
	// rejected outright. Webhook-driven connections are passive and exempt.
	desc, _ := m.registry.GetDescriptor(inst.Platform)
	session := !desc.WebhookDriven
	if session && m.sessionCap > 0 {
		m.mu.Lock()
		live := 0
		for _, e := range m.connections {
			if e.session && e.connection != nil && e.connection.Running() {
				live++
			}
		}
		m.mu.Unlock()
		if live >= m.sessionCap {
			err := NewError(CodeConnectionLimitExceeded, "session connection cap of %d reached", m.sessionCap)
			m.setStatus(inst, StateDisconnected, err)
			return err
		}
	}

	m.setStatus(inst, StateConnecting, nil)
	m.logger.Info("adapter start",
		slog.String("tenant_id", inst.TenantID),
		slog.String("platform", inst.Platform.String()),
		slog.String("instance_id", inst.ID))

	// Long-lived connections must outlive the request context that
	// triggered their creation.
	connectCtx := context.Background()
	if ctx != nil {
		connectCtx = context.WithoutCancel(ctx)
	}
	conn, err := receiver.Connect(connectCtx, inst, m.inboundHandler())
	if err != nil {
		m.setStatus(inst, StateDisconnected, err)
		return err
	}

	m.mu.Lock()
	m.connections[key] = &connectionEntry{
		inst:        inst,
		fingerprint: fingerprint,
		connection:  conn,
		session:     session,
	}
	m.mu.Unlock()
	m.setStatus(inst, StateConnected, nil)
	return nil
}

func (m *Manager) removeConnection(ctx context.Context, key string) {
	unlock := m.lockFor(key)
	defer unlock()

	m.mu.Lock()
	entry := m.connections[key]
	delete(m.connections, key)
	delete(m.meta, key)
	m.mu.Unlock()
	if entry == nil || entry.connection == nil {
		return
	}
	m.logger.Info("connection remove",
		slog.String("tenant_id", entry.inst.TenantID),
		slog.String("platform", entry.inst.Platform.String()),
		slog.String("instance_id", entry.inst.ID))
	if err := entry.connection.Stop(ctx); err != nil && !errors.Is(err, ErrStopNotSupported) {
		m.logger.Warn("connection stop failed",
			slog.String("instance_id", entry.inst.ID),
			slog.Any("error", err))
	}
}

func (m *Manager) stopAll(ctx context.Context) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.connections))
	for key := range m.connections {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	for _, key := range keys {
		m.removeConnection(ctx, key)
	}
}

// ConnectionRunning reports whether a live connection exists for the key.
func (m *Manager) ConnectionRunning(tenantID, instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := m.connections[ConnectionKey(tenantID, instanceID)]
	return entry != nil && entry.connection != nil && entry.connection.Running()
}

func (m *Manager) setStatus(inst Instance, state string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := inst.Key()
	previous, hasPrevious := m.meta[key]
	status := ConnectionStatus{
		InstanceID:   inst.ID,
		TenantID:     inst.TenantID,
		Platform:     inst.Platform,
		State:        state,
		LastActivity: time.Now().UTC(),
	}
	if cause != nil {
		status.LastError = cause.Error()
	}
	m.meta[key] = status
	if cause != nil && (!hasPrevious || previous.LastError != status.LastError || previous.State != state) {
		m.logger.Warn("connection unhealthy",
			slog.String("tenant_id", inst.TenantID),
			slog.String("platform", inst.Platform.String()),
			slog.String("instance_id", inst.ID),
			slog.Any("error", cause))
	}
	if state == StateConnected && hasPrevious && strings.TrimSpace(previous.LastError) != "" {
		m.logger.Info("connection recovered",
			slog.String("tenant_id", inst.TenantID),
			slog.String("platform", inst.Platform.String()),
			slog.String("instance_id", inst.ID))
	}
}
