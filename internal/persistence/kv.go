package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, expires_at, updated_at)
		VALUES (?, ?, NULL, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=NULL, updated_at=CURRENT_TIMESTAMP;
	`, key, val)
	if err != nil {
		return fmt.Errorf("kv set: %w", err)
	}
	return nil
}

// KVGet retrieves a value from the kv_store. Returns empty string if key not
// found or expired.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	val, _, err := s.KVGetFresh(ctx, key)
	return val, err
}

// KVSetEx stores val under key until ttl elapses.
func (s *Store) KVSetEx(ctx context.Context, key string, ttl time.Duration, val string) error {
	if ttl <= 0 {
		return fmt.Errorf("kv setex: ttl must be positive, got %s", ttl)
	}
	expires := s.now().Add(ttl)
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, expires_at, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, expires_at=excluded.expires_at, updated_at=CURRENT_TIMESTAMP;
		`, key, val, expires)
		if err != nil {
			return fmt.Errorf("kv setex: %w", err)
		}
		return nil
	})
}

// KVGetFresh returns the value and true when key exists and has not expired.
func (s *Store) KVGetFresh(ctx context.Context, key string) (string, bool, error) {
	var (
		val     string
		expires sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_store WHERE key = ?`, key).Scan(&val, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	if expires.Valid && !s.now().Before(expires.Time) {
		return "", false, nil
	}
	return val, true, nil
}

// KVDelete removes key. Missing keys are not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// PurgeExpiredKV deletes expired entries and returns how many were removed.
func (s *Store) PurgeExpiredKV(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM kv_store WHERE expires_at IS NOT NULL AND expires_at <= ?;
	`, s.now())
	if err != nil {
		return 0, fmt.Errorf("purge expired kv: %w", err)
	}
	return res.RowsAffected()
}
