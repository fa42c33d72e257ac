package persistence

import (
	"context"
	"database/sql"
	"errors"
)

// KVSet upserts a value in kv_store.
func (s *Store) KVSet(ctx context.Context, key, val string) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, key, val)
		return err
	})
	return wrapErr("kv set", err)
}

// KVGet retrieves a value from kv_store. Returns empty string if key not found.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", wrapErr("kv get", err)
	}
	return val, nil
}

// KVDelete removes a key. Missing keys are not an error.
func (s *Store) KVDelete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key)
	return wrapErr("kv delete", err)
}
