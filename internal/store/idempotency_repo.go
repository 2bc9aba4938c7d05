package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hookbeat/internal/core"
)

// ReserveIdempotency inserts an in-flight reservation for (tenant, key).
// The insert is the atomic arbitration point: the first caller wins and runs
// the request, losers fall back to replaying the stored record.
func (s *Store) ReserveIdempotency(ctx context.Context, tenantID, key string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO idempotency_records (tenant_id, key, status, body, created_at)
		VALUES (?, ?, NULL, NULL, ?)
		ON CONFLICT (tenant_id, key) DO NOTHING
	`, tenantID, key, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetIdempotency returns the record for (tenant, key), or nil when absent.
func (s *Store) GetIdempotency(ctx context.Context, tenantID, key string) (*core.IdempotencyRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT tenant_id, key, status, body, created_at
		FROM idempotency_records WHERE tenant_id = ? AND key = ?
	`, tenantID, key)
	var (
		rec       core.IdempotencyRecord
		status    sql.NullInt64
		createdAt string
	)
	err := row.Scan(&rec.TenantID, &rec.Key, &status, &rec.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if status.Valid {
		v := int(status.Int64)
		rec.Status = &v
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

// CompleteIdempotency stores the replayable 2xx outcome under the reservation.
func (s *Store) CompleteIdempotency(ctx context.Context, tenantID, key string, status int, body []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE idempotency_records SET status = ?, body = ?
		WHERE tenant_id = ? AND key = ?
	`, status, body, tenantID, key)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	return nil
}

// DeleteIdempotency removes a reservation whose request did not end 2xx, so
// the client can correct and retry under the same key.
func (s *Store) DeleteIdempotency(ctx context.Context, tenantID, key string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE tenant_id = ? AND key = ?
	`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete idempotency record: %w", err)
	}
	return nil
}

// PurgeStaleReservations drops in-flight reservations (no stored outcome)
// older than the cutoff. A reservation whose request died before completing
// or releasing would otherwise block its key until the retention purge.
func (s *Store) PurgeStaleReservations(ctx context.Context, before time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE status IS NULL AND created_at < ?
	`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge stale idempotency reservations: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeIdempotency expires records past the retention window.
func (s *Store) PurgeIdempotency(ctx context.Context, before time.Time) (int, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE created_at < ?
	`, before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
