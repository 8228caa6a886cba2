package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msgcore/msgcore/internal/instances"
)

// Store is the pgx-backed persistence layer. One Store serves the instance
// registry, the ingestion path, and the delivery queue.
type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

func (s *Store) UpsertInstance(ctx context.Context, rec instances.Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO platform_instances (id, tenant_id, platform, credentials, webhook_token, disabled, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
		ON CONFLICT (id)
		DO UPDATE SET credentials = EXCLUDED.credentials,
		              disabled    = EXCLUDED.disabled,
		              updated_at  = EXCLUDED.updated_at
	`, rec.ID, rec.TenantID, rec.Platform, rec.SealedCredentials, rec.WebhookToken, rec.Disabled, rec.UpdatedAt)
	return err
}

func (s *Store) SetInstanceDisabled(ctx context.Context, tenantID, instanceID string, disabled bool, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE platform_instances SET disabled=$3, updated_at=$4 WHERE tenant_id=$1 AND id=$2
	`, tenantID, instanceID, disabled, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetInstance(ctx context.Context, tenantID, instanceID string) (instances.Record, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, platform, credentials, webhook_token, disabled, created_at, updated_at
		FROM platform_instances WHERE tenant_id=$1 AND id=$2
	`, tenantID, instanceID)
	return scanInstance(row)
}

func (s *Store) GetInstanceByToken(ctx context.Context, webhookToken string) (instances.Record, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, platform, credentials, webhook_token, disabled, created_at, updated_at
		FROM platform_instances WHERE webhook_token=$1
	`, webhookToken)
	return scanInstance(row)
}

func (s *Store) ListInstances(ctx context.Context, tenantID string) ([]instances.Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, platform, credentials, webhook_token, disabled, created_at, updated_at
		FROM platform_instances WHERE tenant_id=$1 ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

func (s *Store) ListActiveInstances(ctx context.Context) ([]instances.Record, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, platform, credentials, webhook_token, disabled, created_at, updated_at
		FROM platform_instances WHERE NOT disabled ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectInstances(rows)
}

func (s *Store) DeleteInstance(ctx context.Context, tenantID, instanceID string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		DELETE FROM platform_instances WHERE tenant_id=$1 AND id=$2
	`, tenantID, instanceID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func scanInstance(row pgx.Row) (instances.Record, bool, error) {
	var rec instances.Record
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Platform, &rec.SealedCredentials,
		&rec.WebhookToken, &rec.Disabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return instances.Record{}, false, nil
		}
		return instances.Record{}, false, err
	}
	return rec, true, nil
}

func collectInstances(rows pgx.Rows) ([]instances.Record, error) {
	var out []instances.Record
	for rows.Next() {
		var rec instances.Record
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Platform, &rec.SealedCredentials,
			&rec.WebhookToken, &rec.Disabled, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return out, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
