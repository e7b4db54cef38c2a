package db

import (
	"context"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog creates a new conflict log entry.
func (r *Repository) CreateConflictLog(ctx context.Context, log *models.ConflictLog) error {
	if log.DetectedAt == 0 {
		log.DetectedAt = r.now().UnixMilli()
	}
	res, err := r.exec(ctx, `
	INSERT INTO conflict_log (entity_type, entity_id, local_updated_at, remote_updated_at, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		log.EntityType, log.EntityID, log.LocalUpdatedAt, log.RemoteUpdatedAt, log.Resolution, log.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to create conflict log: %w", err)
	}
	log.ID, _ = res.LastInsertId()
	return nil
}

// ListConflictLogs returns the most recent conflicts first.
func (r *Repository) ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.query(ctx, `
	SELECT id, entity_type, entity_id, local_updated_at, remote_updated_at, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		if err := rows.Scan(&l.ID, &l.EntityType, &l.EntityID, &l.LocalUpdatedAt,
			&l.RemoteUpdatedAt, &l.Resolution, &l.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
