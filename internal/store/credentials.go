package store

import (
	"context"
	"database/sql"
	"time"
)

// GetCredential returns the value stored under key and whether it exists.
func (db *DB) GetCredential(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetCredential stores value under key.
func (db *DB) SetCredential(ctx context.Context, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// DeleteCredential removes key. Deleting a missing key is not an error.
func (db *DB) DeleteCredential(ctx context.Context, key string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM credentials WHERE key = ?`, key)
	return err
}
