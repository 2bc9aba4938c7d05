package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"hookbeat/internal/core"
)

var ErrAPIKeyNotFound = errors.New("api key not found")

// HashSecret digests an API key secret for storage and comparison.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// UpsertAPIKey inserts or refreshes a credential. Used at startup for the
// bootstrap key; key management otherwise lives outside this service.
func (s *Store) UpsertAPIKey(ctx context.Context, key *core.APIKey) error {
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, secret_hash, tenant_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key_id) DO UPDATE SET secret_hash = excluded.secret_hash, tenant_id = excluded.tenant_id
	`, key.KeyID, key.SecretHash, key.TenantID, key.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert api key: %w", err)
	}
	return nil
}

func (s *Store) GetAPIKey(ctx context.Context, keyID string) (*core.APIKey, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT key_id, secret_hash, tenant_id, created_at FROM api_keys WHERE key_id = ?
	`, keyID)
	var (
		key       core.APIKey
		createdAt string
	)
	err := row.Scan(&key.KeyID, &key.SecretHash, &key.TenantID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		key.CreatedAt = t
	}
	return &key, nil
}
