package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/msgcore/msgcore/internal/auth"
	"github.com/msgcore/msgcore/internal/platform"
)

// InstanceAdmin is the instance lifecycle surface the admin API drives.
type InstanceAdmin interface {
	Upsert(ctx context.Context, tenantID, instanceID string, req platform.UpsertInstanceRequest) (platform.Instance, error)
	SetDisabled(ctx context.Context, tenantID, instanceID string, disabled bool) error
	Delete(ctx context.Context, tenantID, instanceID string) error
	GetInstance(ctx context.Context, tenantID, instanceID string) (platform.Instance, error)
	List(ctx context.Context, tenantID string) ([]platform.Instance, error)
}

// StatusSource reports per-tenant connection health.
type StatusSource interface {
	Statuses(tenantID string) []platform.ConnectionStatus
}

// PlatformsHandler manages platform instances and exposes platform metadata.
type PlatformsHandler struct {
	logger    *slog.Logger
	instances InstanceAdmin
	statuses  StatusSource
	registry  *platform.Registry
}

func NewPlatformsHandler(log *slog.Logger, instances InstanceAdmin, statuses StatusSource, registry *platform.Registry) *PlatformsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PlatformsHandler{
		logger:    log.With(slog.String("handler", "platforms")),
		instances: instances,
		statuses:  statuses,
		registry:  registry,
	}
}

func (h *PlatformsHandler) Register(e *echo.Echo) {
	group := e.Group("/platforms")
	group.GET("/meta", h.ListMeta)
	group.GET("/status", h.ListStatuses)
	group.GET("", h.ListInstances)
	group.GET("/:id", h.GetInstance)
	group.PUT("/:id", h.UpsertInstance)
	group.PATCH("/:id/status", h.SetInstanceStatus)
	group.DELETE("/:id", h.DeleteInstance)
}

// PlatformMeta is the public description of one registered backend.
type PlatformMeta struct {
	Type          string                `json:"type"`
	DisplayName   string                `json:"display_name"`
	Capabilities  platform.Capabilities `json:"capabilities"`
	WebhookDriven bool                  `json:"webhook_driven"`
}

// instanceView is an Instance stripped of credentials for API responses.
type instanceView struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Platform     string    `json:"platform"`
	WebhookToken string    `json:"webhook_token,omitempty"`
	Disabled     bool      `json:"disabled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func viewOf(inst platform.Instance) instanceView {
	return instanceView{
		ID:           inst.ID,
		TenantID:     inst.TenantID,
		Platform:     inst.Platform.String(),
		WebhookToken: inst.WebhookToken,
		Disabled:     inst.Disabled,
		CreatedAt:    inst.CreatedAt,
		UpdatedAt:    inst.UpdatedAt,
	}
}

// ListMeta lists every registered platform with its capability matrix.
func (h *PlatformsHandler) ListMeta(c echo.Context) error {
	descs := h.registry.ListDescriptors()
	items := make([]PlatformMeta, 0, len(descs))
	for _, desc := range descs {
		items = append(items, PlatformMeta{
			Type:          desc.Type.String(),
			DisplayName:   desc.DisplayName,
			Capabilities:  desc.Capabilities,
			WebhookDriven: desc.WebhookDriven,
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Type < items[j].Type })
	return c.JSON(http.StatusOK, items)
}

// ListStatuses reports the tenant's live connection states.
func (h *PlatformsHandler) ListStatuses(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.statuses.Statuses(tenantID))
}

// ListInstances lists the tenant's platform instances without credentials.
func (h *PlatformsHandler) ListInstances(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	items, err := h.instances.List(c.Request().Context(), tenantID)
	if err != nil {
		return respondError(c, err)
	}
	views := make([]instanceView, 0, len(items))
	for _, inst := range items {
		views = append(views, viewOf(inst))
	}
	return c.JSON(http.StatusOK, views)
}

// GetInstance returns one instance without credentials.
func (h *PlatformsHandler) GetInstance(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	inst, err := h.instances.GetInstance(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, viewOf(inst))
}

// UpsertInstance creates or updates a platform instance. Credentials are
// normalized by the adapter and sealed before they reach storage.
func (h *PlatformsHandler) UpsertInstance(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req platform.UpsertInstanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inst, err := h.instances.Upsert(c.Request().Context(), tenantID, c.Param("id"), req)
	if err != nil {
		if platform.CodeOf(err) != "" {
			return respondError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Info("instance upserted",
		slog.String("tenant_id", tenantID),
		slog.String("instance_id", inst.ID),
		slog.String("platform", inst.Platform.String()))
	return c.JSON(http.StatusOK, viewOf(inst))
}

type instanceStatusRequest struct {
	Disabled bool `json:"disabled"`
}

// SetInstanceStatus flips the disabled flag, tearing down or restoring the
// live connection.
func (h *PlatformsHandler) SetInstanceStatus(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req instanceStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.instances.SetDisabled(c.Request().Context(), tenantID, c.Param("id"), req.Disabled); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true, "disabled": req.Disabled})
}

// DeleteInstance removes an instance and its live connection.
func (h *PlatformsHandler) DeleteInstance(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	if err := h.instances.Delete(c.Request().Context(), tenantID, c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
