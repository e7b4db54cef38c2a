package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// =====================================================
// Match Operations
// =====================================================

const matchColumns = `client_match_id, server_id, format, players, winner_user_id,
	started_at, ended_at, notes, status, updated_at`

// InsertMatch stores a locally recorded match.
func (r *Repository) InsertMatch(ctx context.Context, m *models.Match) error {
	players, err := json.Marshal(m.Players)
	if err != nil {
		return fmt.Errorf("failed to encode players: %w", err)
	}
	if m.Players == nil {
		players = []byte("[]")
	}

	_, err = r.exec(ctx, `INSERT INTO matches (`+matchColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ClientMatchID, m.ServerID, m.Format, string(players), m.WinnerUserID,
		m.StartedAt, m.EndedAt, m.Notes, m.Status, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert match %s: %w", m.ClientMatchID, err)
	}
	r.touch(TopicMatches)
	return nil
}

// GetMatch retrieves a match by its client id.
func (r *Repository) GetMatch(ctx context.Context, clientMatchID models.UUID) (*models.Match, error) {
	row, err := r.queryRow(ctx, `SELECT `+matchColumns+` FROM matches WHERE client_match_id = ?`, clientMatchID)
	if err != nil {
		return nil, err
	}
	m, err := scanMatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return m, err
}

// ListMatches returns the most recent matches first.
func (r *Repository) ListMatches(ctx context.Context, limit int) ([]*models.Match, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.query(ctx, `SELECT `+matchColumns+` FROM matches ORDER BY ended_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// MarkMatchSynced records the server's canonical id for a match.
func (r *Repository) MarkMatchSynced(ctx context.Context, clientMatchID models.UUID, serverID, updatedAt string) error {
	return r.setMatchStatus(ctx, clientMatchID, models.MatchStatusSynced, serverID, updatedAt)
}

// MarkMatchFailed flags a match the server permanently rejected.
func (r *Repository) MarkMatchFailed(ctx context.Context, clientMatchID models.UUID) error {
	return r.setMatchStatus(ctx, clientMatchID, models.MatchStatusFailed, "", "")
}

func (r *Repository) setMatchStatus(ctx context.Context, clientMatchID models.UUID, status, serverID, updatedAt string) error {
	res, err := r.exec(ctx, `
	UPDATE matches SET status = ?,
		server_id = CASE WHEN ? != '' THEN ? ELSE server_id END,
		updated_at = CASE WHEN ? != '' THEN ? ELSE updated_at END
	WHERE client_match_id = ?`,
		status, serverID, serverID, updatedAt, updatedAt, clientMatchID)
	if err != nil {
		return fmt.Errorf("failed to update match %s: %w", clientMatchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.touch(TopicMatches)
	return nil
}

func scanMatch(s scanner) (*models.Match, error) {
	var m models.Match
	var players string
	if err := s.Scan(&m.ClientMatchID, &m.ServerID, &m.Format, &players, &m.WinnerUserID,
		&m.StartedAt, &m.EndedAt, &m.Notes, &m.Status, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(players), &m.Players); err != nil {
		return nil, fmt.Errorf("corrupt players for match %s: %w", m.ClientMatchID, err)
	}
	return &m, nil
}
