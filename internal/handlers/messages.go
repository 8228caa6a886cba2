package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/msgcore/msgcore/internal/auth"
	"github.com/msgcore/msgcore/internal/delivery"
	"github.com/msgcore/msgcore/internal/platform"
)

// SendQueue is the delivery queue surface the send API drives.
type SendQueue interface {
	Enqueue(ctx context.Context, tenantID string, req platform.SendRequest) (delivery.Job, error)
	Get(ctx context.Context, tenantID, jobID string) (delivery.Job, error)
	List(ctx context.Context, tenantID string, limit int) ([]delivery.Job, error)
	Retry(ctx context.Context, tenantID, jobID string) (delivery.Job, error)
}

// ReactionDispatcher performs reaction add/remove through the owning adapter.
type ReactionDispatcher interface {
	React(ctx context.Context, inst platform.Instance, req platform.ReactRequest) error
}

// MessagesHandler exposes outbound sends, delivery job tracking, and
// reactions.
type MessagesHandler struct {
	logger    *slog.Logger
	queue     SendQueue
	instances InstanceAdmin
	reactor   ReactionDispatcher
}

func NewMessagesHandler(log *slog.Logger, queue SendQueue, instances InstanceAdmin, reactor ReactionDispatcher) *MessagesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessagesHandler{
		logger:    log.With(slog.String("handler", "messages")),
		queue:     queue,
		instances: instances,
		reactor:   reactor,
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	group := e.Group("/messages")
	group.POST("/send", h.Send)
	group.GET("/jobs", h.ListJobs)
	group.GET("/jobs/:id", h.GetJob)
	group.POST("/jobs/:id/retry", h.RetryJob)
	group.POST("/react", h.React)
}

// Send enqueues a delivery job. Validation failures reject the whole request;
// nothing is partially queued.
func (h *MessagesHandler) Send(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req platform.SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job, err := h.queue.Enqueue(c.Request().Context(), tenantID, req)
	if err != nil {
		if platform.CodeOf(err) != "" {
			return respondError(c, err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	h.logger.Info("send enqueued",
		slog.String("tenant_id", tenantID),
		slog.String("job_id", job.ID),
		slog.Int("targets", len(job.Targets)))
	return c.JSON(http.StatusAccepted, job)
}

// GetJob returns one delivery job with per-target statuses.
func (h *MessagesHandler) GetJob(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	job, err := h.queue.Get(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, job)
}

// ListJobs returns the tenant's most recent delivery jobs.
func (h *MessagesHandler) ListJobs(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	jobs, err := h.queue.List(c.Request().Context(), tenantID, limit)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, jobs)
}

// RetryJob resubmits only the failed targets of a job.
func (h *MessagesHandler) RetryJob(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	job, err := h.queue.Retry(c.Request().Context(), tenantID, c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, job)
}

type reactRequest struct {
	PlatformID string `json:"platform_id" validate:"required"`
	ChatID     string `json:"chat_id"`
	MessageID  string `json:"message_id" validate:"required"`
	Emoji      string `json:"emoji"`
	Remove     bool   `json:"remove"`
	UserID     string `json:"user_id"`
}

// React adds or removes an emoji reaction on a tracked message. Emoji may be
// omitted on remove; the reaction protocol recovers it from history.
func (h *MessagesHandler) React(c echo.Context) error {
	tenantID, err := auth.TenantFromContext(c)
	if err != nil {
		return err
	}
	var req reactRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inst, err := h.instances.GetInstance(c.Request().Context(), tenantID, req.PlatformID)
	if err != nil {
		return respondError(c, err)
	}
	if inst.Disabled {
		return respondError(c, platform.NewError(platform.CodePlatformDisabled, "platform instance %q is disabled", req.PlatformID))
	}
	if err := h.reactor.React(c.Request().Context(), inst, platform.ReactRequest{
		ChatID:    req.ChatID,
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		Remove:    req.Remove,
		UserID:    req.UserID,
	}); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"ok": true})
}
