package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// =====================================================
// Sync Metadata Operations
// =====================================================

// GetMetadata returns the value stored under key and whether it exists.
func (r *Repository) GetMetadata(ctx context.Context, key string) (string, bool, error) {
	row, err := r.queryRow(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, key)
	if err != nil {
		return "", false, err
	}
	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// SetMetadata stores value under key, replacing any previous value.
func (r *Repository) SetMetadata(ctx context.Context, key, value string) error {
	_, err := r.exec(ctx,
		`INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, r.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set metadata %s: %w", key, err)
	}
	return nil
}

// DeleteMetadata removes key. Missing keys are ignored.
func (r *Repository) DeleteMetadata(ctx context.Context, key string) error {
	if _, err := r.exec(ctx, `DELETE FROM sync_metadata WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete metadata %s: %w", key, err)
	}
	return nil
}
