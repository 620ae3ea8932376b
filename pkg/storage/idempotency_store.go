package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dyocense/kernel/pkg/domain"
)

// IdempotencyStore implements idempotency.Store against Postgres.
type IdempotencyStore struct {
	client *Client
}

// NewIdempotencyStore wraps client for idempotency record persistence.
func NewIdempotencyStore(client *Client) *IdempotencyStore {
	return &IdempotencyStore{client: client}
}

// Get implements idempotency.Store.
func (s *IdempotencyStore) Get(ctx context.Context, tenantID, key string) (domain.IdempotencyRecord, bool, error) {
	row := s.client.DB().QueryRowContext(ctx, `
		SELECT tenant_id, key, run_id, created_at, expires_at
		FROM idempotency_records
		WHERE tenant_id = $1 AND key = $2`, tenantID, key)

	var rec domain.IdempotencyRecord
	err := row.Scan(&rec.TenantID, &rec.Key, &rec.RunID, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// Put implements idempotency.Store.
func (s *IdempotencyStore) Put(ctx context.Context, rec domain.IdempotencyRecord) error {
	_, err := s.client.DB().ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, run_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, key) DO NOTHING`,
		rec.TenantID, rec.Key, rec.RunID, rec.CreatedAt, rec.ExpiresAt)
	return err
}

// Delete implements idempotency.Store.
func (s *IdempotencyStore) Delete(ctx context.Context, tenantID, key string) error {
	_, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	return err
}

// PurgeExpired removes every idempotency record past its TTL as of now,
// invoked by the retention sweep (§4.5).
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.client.DB().ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
