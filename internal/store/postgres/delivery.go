package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/msgcore/msgcore/internal/delivery"
	"github.com/msgcore/msgcore/internal/platform"
)

func (s *Store) InsertJob(ctx context.Context, job delivery.Job) error {
	contentJSON, err := json.Marshal(job.Content)
	if err != nil {
		return fmt.Errorf("marshal content: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO delivery_jobs (id, tenant_id, status, content_json, options_json, metadata_json, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, job.ID, job.TenantID, string(job.Status), contentJSON, optionsJSON, metadataJSON,
		job.ScheduledAt, job.CreatedAt, job.UpdatedAt); err != nil {
		return err
	}
	for _, target := range job.Targets {
		if _, err := tx.Exec(ctx, `
			INSERT INTO delivery_targets (job_id, ordinal, instance_id, target_type, target_id, status, provider_message_id, last_error, attempts, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`, job.ID, target.Ordinal, target.InstanceID, string(target.Type), target.ID,
			string(target.Status), nullIfEmpty(target.ProviderMessageID), nullIfEmpty(target.LastError),
			target.Attempts, target.UpdatedAt); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) GetJob(ctx context.Context, tenantID, jobID string) (delivery.Job, bool, error) {
	job, found, err := s.GetJobByID(ctx, jobID)
	if err != nil || !found {
		return delivery.Job{}, false, err
	}
	if job.TenantID != tenantID {
		return delivery.Job{}, false, nil
	}
	return job, true, nil
}

func (s *Store) GetJobByID(ctx context.Context, jobID string) (delivery.Job, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, status, content_json, options_json, metadata_json, scheduled_at, created_at, updated_at
		FROM delivery_jobs WHERE id=$1
	`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return delivery.Job{}, false, nil
		}
		return delivery.Job{}, false, err
	}
	targets, err := s.jobTargets(ctx, jobID)
	if err != nil {
		return delivery.Job{}, false, err
	}
	job.Targets = targets
	return job, true, nil
}

func (s *Store) ListJobs(ctx context.Context, tenantID string, limit int) ([]delivery.Job, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, status, content_json, options_json, metadata_json, scheduled_at, created_at, updated_at
		FROM delivery_jobs WHERE tenant_id=$1 ORDER BY created_at DESC LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []delivery.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	for i := range jobs {
		targets, err := s.jobTargets(ctx, jobs[i].ID)
		if err != nil {
			return nil, err
		}
		jobs[i].Targets = targets
	}
	return jobs, nil
}

func (s *Store) UpdateTarget(ctx context.Context, jobID string, target delivery.Target) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_targets
		SET status=$3, provider_message_id=$4, last_error=$5, attempts=$6, updated_at=$7
		WHERE job_id=$1 AND ordinal=$2
	`, jobID, target.Ordinal, string(target.Status), nullIfEmpty(target.ProviderMessageID),
		nullIfEmpty(target.LastError), target.Attempts, target.UpdatedAt)
	return err
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status delivery.JobStatus, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE delivery_jobs SET status=$2, updated_at=$3 WHERE id=$1
	`, jobID, string(status), now)
	return err
}

// ClaimDueJobs hands out pending jobs that are due and untouched for
// staleAfter, bumping updated_at so a concurrent sweep skips them.
func (s *Store) ClaimDueJobs(ctx context.Context, now time.Time, staleAfter time.Duration, limit int) ([]string, error) {
	rows, err := s.DB.Query(ctx, `
		UPDATE delivery_jobs SET updated_at=$1
		WHERE id IN (
			SELECT id FROM delivery_jobs
			WHERE status='pending'
			  AND (scheduled_at IS NULL OR scheduled_at <= $1)
			  AND updated_at < $2
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, now, now.Add(-staleAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) RecordOutbound(ctx context.Context, rec delivery.OutboundRecord) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		INSERT INTO outbound_messages (tenant_id, instance_id, platform, provider_message_id, chat_id, job_id, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (tenant_id, instance_id, provider_message_id) DO NOTHING
	`, rec.TenantID, rec.InstanceID, string(rec.Platform), rec.ProviderMessageID,
		rec.ChatID, rec.JobID, rec.SentAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func scanJob(row pgx.Row) (delivery.Job, error) {
	var (
		job          delivery.Job
		status       string
		contentJSON  []byte
		optionsJSON  []byte
		metadataJSON []byte
	)
	if err := row.Scan(&job.ID, &job.TenantID, &status, &contentJSON, &optionsJSON,
		&metadataJSON, &job.ScheduledAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return delivery.Job{}, err
	}
	job.Status = delivery.JobStatus(status)
	if err := json.Unmarshal(contentJSON, &job.Content); err != nil {
		return delivery.Job{}, fmt.Errorf("unmarshal content: %w", err)
	}
	if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
		return delivery.Job{}, fmt.Errorf("unmarshal options: %w", err)
	}
	if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
		return delivery.Job{}, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return job, nil
}

func (s *Store) jobTargets(ctx context.Context, jobID string) ([]delivery.Target, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT ordinal, instance_id, target_type, target_id, status,
		       COALESCE(provider_message_id,''), COALESCE(last_error,''), attempts, updated_at
		FROM delivery_targets WHERE job_id=$1 ORDER BY ordinal
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var targets []delivery.Target
	for rows.Next() {
		var (
			t          delivery.Target
			targetType string
			status     string
		)
		if err := rows.Scan(&t.Ordinal, &t.InstanceID, &targetType, &t.ID, &status,
			&t.ProviderMessageID, &t.LastError, &t.Attempts, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Type = platform.TargetType(targetType)
		t.Status = delivery.TargetStatus(status)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}
