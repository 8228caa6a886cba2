package instances

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/msgcore/msgcore/internal/platform"
	"github.com/msgcore/msgcore/internal/secrets"
)

// Record is a platform instance as the store keeps it: credentials sealed,
// never plaintext.
type Record struct {
	ID                string
	TenantID          string
	Platform          string
	SealedCredentials string
	WebhookToken      string
	Disabled          bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Store persists instance records.
type Store interface {
	UpsertInstance(ctx context.Context, rec Record) error
	SetInstanceDisabled(ctx context.Context, tenantID, instanceID string, disabled bool, now time.Time) (bool, error)
	GetInstance(ctx context.Context, tenantID, instanceID string) (Record, bool, error)
	GetInstanceByToken(ctx context.Context, webhookToken string) (Record, bool, error)
	ListInstances(ctx context.Context, tenantID string) ([]Record, error)
	ListActiveInstances(ctx context.Context) ([]Record, error)
	DeleteInstance(ctx context.Context, tenantID, instanceID string) (bool, error)
}

// ConnectionManager is the slice of the connection registry the service
// drives when instances change.
type ConnectionManager interface {
	EnsureConnection(ctx context.Context, inst platform.Instance) error
	RemoveConnection(ctx context.Context, tenantID, instanceID string)
}

// Service owns platform instance lifecycle: credential sealing, webhook token
// issuance, and keeping live connections in step with configuration changes.
// It is the platform.InstanceSource the connection manager reads from.
type Service struct {
	store       Store
	vault       *secrets.Vault
	registry    *platform.Registry
	connections ConnectionManager
	logger      *slog.Logger
}

func NewService(log *slog.Logger, store Store, vault *secrets.Vault, registry *platform.Registry) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		vault:    vault,
		registry: registry,
		logger:   log.With(slog.String("component", "instances")),
	}
}

// SetConnectionManager wires the connection registry after construction; the
// manager itself reads instances from this service, so the two cannot be
// constructed in one step.
func (s *Service) SetConnectionManager(cm ConnectionManager) {
	s.connections = cm
}

// Upsert creates or updates a platform instance. Creation issues a fresh v4
// webhook token; updates keep the existing token so webhook URLs stay stable.
// The live connection is refreshed either way, which tears down and recreates
// it when credentials changed.
func (s *Service) Upsert(ctx context.Context, tenantID, instanceID string, req platform.UpsertInstanceRequest) (platform.Instance, error) {
	tenantID = strings.TrimSpace(tenantID)
	instanceID = strings.TrimSpace(instanceID)
	if tenantID == "" || instanceID == "" {
		return platform.Instance{}, fmt.Errorf("tenant id and instance id required")
	}
	pt, err := s.registry.ParsePlatformType(string(req.Platform))
	if err != nil {
		return platform.Instance{}, err
	}
	if _, ok := s.registry.Get(pt); !ok {
		return platform.Instance{}, platform.NewError(platform.CodeNotFound, "no adapter registered for platform %q", pt)
	}
	credentials, err := s.registry.NormalizeConfig(pt, req.Credentials)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("normalize credentials: %w", err)
	}
	sealed, err := s.vault.Seal(credentials)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("seal credentials: %w", err)
	}

	now := time.Now().UTC()
	existing, found, err := s.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("load instance: %w", err)
	}
	rec := Record{
		ID:                instanceID,
		TenantID:          tenantID,
		Platform:          string(pt),
		SealedCredentials: sealed,
		WebhookToken:      uuid.NewString(),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if found {
		if existing.Platform != string(pt) {
			return platform.Instance{}, fmt.Errorf("instance %q is bound to platform %q", instanceID, existing.Platform)
		}
		rec.WebhookToken = existing.WebhookToken
		rec.CreatedAt = existing.CreatedAt
		rec.Disabled = existing.Disabled
	}
	if req.Disabled != nil {
		rec.Disabled = *req.Disabled
	}
	if err := s.store.UpsertInstance(ctx, rec); err != nil {
		return platform.Instance{}, fmt.Errorf("store instance: %w", err)
	}

	inst := s.toInstance(rec, credentials)
	s.syncConnection(ctx, inst)
	return inst, nil
}

// SetDisabled flips an instance's disabled flag, disconnecting it when turned
// off and reconnecting it when turned back on.
func (s *Service) SetDisabled(ctx context.Context, tenantID, instanceID string, disabled bool) error {
	ok, err := s.store.SetInstanceDisabled(ctx, tenantID, instanceID, disabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update instance: %w", err)
	}
	if !ok {
		return platform.NewError(platform.CodeNotFound, "platform instance %q not found", instanceID)
	}
	if disabled {
		if s.connections != nil {
			s.connections.RemoveConnection(ctx, tenantID, instanceID)
		}
		return nil
	}
	inst, err := s.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return err
	}
	s.syncConnection(ctx, inst)
	return nil
}

// Delete removes an instance and tears down its connection.
func (s *Service) Delete(ctx context.Context, tenantID, instanceID string) error {
	ok, err := s.store.DeleteInstance(ctx, tenantID, instanceID)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if !ok {
		return platform.NewError(platform.CodeNotFound, "platform instance %q not found", instanceID)
	}
	if s.connections != nil {
		s.connections.RemoveConnection(ctx, tenantID, instanceID)
	}
	return nil
}

// GetInstance returns one instance with opened credentials.
func (s *Service) GetInstance(ctx context.Context, tenantID, instanceID string) (platform.Instance, error) {
	rec, found, err := s.store.GetInstance(ctx, tenantID, instanceID)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("load instance: %w", err)
	}
	if !found {
		return platform.Instance{}, platform.NewError(platform.CodeNotFound, "platform instance %q not found", instanceID)
	}
	return s.open(rec)
}

// GetByWebhookToken resolves the instance a webhook token belongs to.
func (s *Service) GetByWebhookToken(ctx context.Context, token string) (platform.Instance, error) {
	rec, found, err := s.store.GetInstanceByToken(ctx, token)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("load instance by token: %w", err)
	}
	if !found {
		return platform.Instance{}, platform.NewError(platform.CodeNotFound, "unknown webhook token")
	}
	return s.open(rec)
}

// List returns a tenant's instances without credentials, for admin listings.
func (s *Service) List(ctx context.Context, tenantID string) ([]platform.Instance, error) {
	records, err := s.store.ListInstances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]platform.Instance, 0, len(records))
	for _, rec := range records {
		out = append(out, s.toInstance(rec, nil))
	}
	return out, nil
}

// ListActiveInstances returns every enabled instance with opened credentials.
// Instances whose credentials no longer open are skipped with a warning so one
// bad row cannot stall the reconcile loop.
func (s *Service) ListActiveInstances(ctx context.Context) ([]platform.Instance, error) {
	records, err := s.store.ListActiveInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active instances: %w", err)
	}
	out := make([]platform.Instance, 0, len(records))
	for _, rec := range records {
		inst, err := s.open(rec)
		if err != nil {
			s.logger.Warn("skip instance with unreadable credentials",
				slog.String("tenant_id", rec.TenantID),
				slog.String("instance_id", rec.ID),
				slog.Any("error", err),
			)
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *Service) open(rec Record) (platform.Instance, error) {
	credentials, err := s.vault.Open(rec.SealedCredentials)
	if err != nil {
		return platform.Instance{}, fmt.Errorf("open credentials: %w", err)
	}
	return s.toInstance(rec, credentials), nil
}

func (s *Service) toInstance(rec Record, credentials map[string]any) platform.Instance {
	return platform.Instance{
		ID:           rec.ID,
		TenantID:     rec.TenantID,
		Platform:     platform.PlatformType(rec.Platform),
		Credentials:  credentials,
		WebhookToken: rec.WebhookToken,
		Disabled:     rec.Disabled,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
}

func (s *Service) syncConnection(ctx context.Context, inst platform.Instance) {
	if s.connections == nil {
		return
	}
	if err := s.connections.EnsureConnection(ctx, inst); err != nil {
		s.logger.Warn("refresh connection failed",
			slog.String("tenant_id", inst.TenantID),
			slog.String("instance_id", inst.ID),
			slog.Any("error", err),
		)
	}
}
