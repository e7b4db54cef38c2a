package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// =====================================================
// Profile Operations
// =====================================================

// GetProfile returns the cached profile, or ErrNotFound before the first
// fetch or local edit.
func (r *Repository) GetProfile(ctx context.Context) (*models.Profile, error) {
	row, err := r.queryRow(ctx, `
	SELECT user_id, username, display_name, avatar_url, avatar_path,
		   updated_at, avatar_updated_at, pending_sync
	FROM profile WHERE singleton = 1`)
	if err != nil {
		return nil, err
	}

	var p models.Profile
	var pending int
	err = row.Scan(&p.UserID, &p.Username, &p.DisplayName, &p.AvatarURL, &p.AvatarPath,
		&p.UpdatedAt, &p.AvatarUpdatedAt, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.PendingSync = pending == 1
	return &p, nil
}

// SaveProfile writes the whole profile row.
func (r *Repository) SaveProfile(ctx context.Context, p *models.Profile) error {
	_, err := r.exec(ctx, `
	INSERT INTO profile (singleton, user_id, username, display_name, avatar_url, avatar_path,
		updated_at, avatar_updated_at, pending_sync)
	VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(singleton) DO UPDATE SET
		user_id = excluded.user_id,
		username = excluded.username,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		avatar_path = excluded.avatar_path,
		updated_at = excluded.updated_at,
		avatar_updated_at = excluded.avatar_updated_at,
		pending_sync = excluded.pending_sync`,
		p.UserID, p.Username, p.DisplayName, p.AvatarURL, p.AvatarPath,
		p.UpdatedAt, p.AvatarUpdatedAt, boolToInt(p.PendingSync))
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	r.touch(TopicProfile)
	return nil
}
