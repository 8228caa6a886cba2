package delivery

import (
	"context"
	"time"

	"github.com/msgcore/msgcore/internal/platform"
)

// JobStatus is the overall status derived from a job's per-target statuses.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobPartial   JobStatus = "partial"
)

// TargetStatus tracks one target's delivery outcome within a job.
type TargetStatus string

const (
	TargetPending TargetStatus = "pending"
	TargetSent    TargetStatus = "sent"
	TargetFailed  TargetStatus = "failed"
)

// Target is one delivery destination inside a job.
type Target struct {
	Ordinal           int                 `json:"ordinal"`
	InstanceID        string              `json:"instance_id"`
	Type              platform.TargetType `json:"type"`
	ID                string              `json:"id"`
	Status            TargetStatus        `json:"status"`
	ProviderMessageID string              `json:"provider_message_id,omitempty"`
	LastError         string              `json:"last_error,omitempty"`
	Attempts          int                 `json:"attempts"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Job is one queued send across one or more targets.
type Job struct {
	ID          string                `json:"id"`
	TenantID    string                `json:"tenant_id"`
	Status      JobStatus             `json:"status"`
	Content     platform.Content      `json:"content"`
	Options     platform.SendOptions  `json:"options"`
	Metadata    platform.SendMetadata `json:"metadata"`
	Targets     []Target              `json:"targets"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// OutboundRecord links a successfully sent provider message back to its job,
// so reaction resolution can recognize the tenant's own messages.
type OutboundRecord struct {
	TenantID          string
	InstanceID        string
	Platform          platform.PlatformType
	ProviderMessageID string
	ChatID            string
	JobID             string
	SentAt            time.Time
}

// Store persists jobs, targets, and outbound message records.
type Store interface {
	InsertJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, tenantID, jobID string) (Job, bool, error)
	GetJobByID(ctx context.Context, jobID string) (Job, bool, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]Job, error)
	UpdateTarget(ctx context.Context, jobID string, target Target) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, now time.Time) error
	// ClaimDueJobs returns pending jobs whose schedule has elapsed and that no
	// worker has touched within staleAfter, bumping updated_at so concurrent
	// sweeps do not hand out the same job twice.
	ClaimDueJobs(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error)
	RecordOutbound(ctx context.Context, rec OutboundRecord) (bool, error)
}

// DeriveJobStatus aggregates per-target statuses into the job status.
func DeriveJobStatus(targets []Target) JobStatus {
	if len(targets) == 0 {
		return JobFailed
	}
	var sent, failed, pending int
	for _, t := range targets {
		switch t.Status {
		case TargetSent:
			sent++
		case TargetFailed:
			failed++
		default:
			pending++
		}
	}
	switch {
	case pending > 0:
		return JobPending
	case failed == 0:
		return JobCompleted
	case sent == 0:
		return JobFailed
	default:
		return JobPartial
	}
}
