package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// =====================================================
// Friends and Friend Request Operations
// =====================================================

const requestColumns = `id, local_id, direction, user_id, username, display_name, status, created_at, updated_at`

// GetConnections returns all three partitions as one generation.
func (r *Repository) GetConnections(ctx context.Context) (*models.Connections, error) {
	var c models.Connections
	err := r.InTx(ctx, func(tx *Repository) error {
		var err error
		if c.Friends, err = tx.ListFriends(ctx); err != nil {
			return err
		}
		if c.Incoming, err = tx.ListFriendRequests(ctx, models.DirectionIncoming); err != nil {
			return err
		}
		c.Outgoing, err = tx.ListFriendRequests(ctx, models.DirectionOutgoing)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ReplaceConnections replaces the accepted, incoming and outgoing partitions
// in one transaction so readers never observe a mix of two generations.
func (r *Repository) ReplaceConnections(ctx context.Context, c models.Connections) error {
	return r.InTx(ctx, func(tx *Repository) error {
		if _, err := tx.exec(ctx, `DELETE FROM friends`); err != nil {
			return fmt.Errorf("failed to clear friends: %w", err)
		}
		if _, err := tx.exec(ctx, `DELETE FROM friend_requests`); err != nil {
			return fmt.Errorf("failed to clear friend requests: %w", err)
		}

		for i := range c.Friends {
			if err := tx.UpsertFriend(ctx, &c.Friends[i]); err != nil {
				return err
			}
		}
		for _, part := range []struct {
			dir  models.RequestDirection
			reqs []models.FriendRequest
		}{
			{models.DirectionIncoming, c.Incoming},
			{models.DirectionOutgoing, c.Outgoing},
		} {
			for i := range part.reqs {
				req := part.reqs[i]
				req.Direction = part.dir
				if req.Status == "" {
					req.Status = models.RequestStatusPending
				}
				if err := tx.UpsertFriendRequest(ctx, &req); err != nil {
					return err
				}
			}
		}
		tx.touch(TopicConnections)
		return nil
	})
}

// ListFriends returns accepted connections ordered by username.
func (r *Repository) ListFriends(ctx context.Context) ([]models.Friend, error) {
	rows, err := r.query(ctx, `
	SELECT user_id, username, display_name, avatar_url, updated_at
	FROM friends ORDER BY username COLLATE NOCASE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	friends := []models.Friend{}
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.UserID, &f.Username, &f.DisplayName, &f.AvatarURL, &f.UpdatedAt); err != nil {
			return nil, err
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// UpsertFriend inserts or updates an accepted connection.
func (r *Repository) UpsertFriend(ctx context.Context, f *models.Friend) error {
	_, err := r.exec(ctx, `
	INSERT INTO friends (user_id, username, display_name, avatar_url, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		display_name = excluded.display_name,
		avatar_url = excluded.avatar_url,
		updated_at = excluded.updated_at`,
		f.UserID, f.Username, f.DisplayName, f.AvatarURL, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert friend %s: %w", f.UserID, err)
	}
	r.touch(TopicConnections)
	return nil
}

// ListFriendRequests returns the requests of one direction, oldest first.
func (r *Repository) ListFriendRequests(ctx context.Context, dir models.RequestDirection) ([]models.FriendRequest, error) {
	rows, err := r.query(ctx, `SELECT `+requestColumns+` FROM friend_requests
	WHERE direction = ? ORDER BY created_at ASC, row_id ASC`, dir)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reqs := []models.FriendRequest{}
	for rows.Next() {
		req, err := scanFriendRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// GetFriendRequest looks a request up by server id.
func (r *Repository) GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error) {
	return r.getFriendRequest(ctx, `id = ?`, id)
}

// GetFriendRequestByLocalID looks a locally created request up by its
// client idempotency key.
func (r *Repository) GetFriendRequestByLocalID(ctx context.Context, localID models.UUID) (*models.FriendRequest, error) {
	return r.getFriendRequest(ctx, `local_id = ?`, localID)
}

func (r *Repository) getFriendRequest(ctx context.Context, where string, arg interface{}) (*models.FriendRequest, error) {
	_, req, err := r.friendRequestRow(ctx, where, arg)
	return req, err
}

// friendRequestRow is getFriendRequest plus the row's primary key.
func (r *Repository) friendRequestRow(ctx context.Context, where string, arg interface{}) (int64, *models.FriendRequest, error) {
	if s, ok := arg.(string); ok && s == "" {
		return 0, nil, ErrNotFound
	}
	if u, ok := arg.(models.UUID); ok && u == "" {
		return 0, nil, ErrNotFound
	}
	row, err := r.queryRow(ctx, `SELECT row_id, `+requestColumns+` FROM friend_requests WHERE `+where, arg)
	if err != nil {
		return 0, nil, err
	}
	var (
		rowID int64
		req   models.FriendRequest
	)
	err = row.Scan(&rowID, &req.ID, &req.LocalID, &req.Direction, &req.UserID, &req.Username,
		&req.DisplayName, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	return rowID, &req, nil
}

// UpsertFriendRequest writes req, matching an existing row first by LocalID
// and then by server ID. This is how a server acknowledgement replaces the
// optimistic row it answers.
func (r *Repository) UpsertFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	return r.InTx(ctx, func(tx *Repository) error {
		rowID, existing, err := tx.friendRequestRow(ctx, `local_id = ?`, req.LocalID)
		if errors.Is(err, ErrNotFound) {
			rowID, existing, err = tx.friendRequestRow(ctx, `id = ?`, req.ID)
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing == nil {
			_, err = tx.exec(ctx, `
			INSERT INTO friend_requests (`+requestColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				req.ID, req.LocalID, req.Direction, req.UserID, req.Username,
				req.DisplayName, req.Status, req.CreatedAt, req.UpdatedAt)
		} else {
			localID := req.LocalID
			if localID == "" {
				localID = existing.LocalID
			}
			// A refresh may already have stored the acknowledged request
			// as its own row; the optimistic row absorbs it.
			if req.ID != "" {
				if _, err := tx.exec(ctx, `DELETE FROM friend_requests WHERE id = ? AND row_id != ?`,
					req.ID, rowID); err != nil {
					return fmt.Errorf("failed to merge friend request: %w", err)
				}
			}
			_, err = tx.exec(ctx, `
			UPDATE friend_requests SET id = ?, local_id = ?, direction = ?, user_id = ?,
				username = ?, display_name = ?, status = ?, created_at = ?, updated_at = ?
			WHERE row_id = ?`,
				req.ID, localID, req.Direction, req.UserID, req.Username,
				req.DisplayName, req.Status, req.CreatedAt, req.UpdatedAt,
				rowID)
		}
		if err != nil {
			return fmt.Errorf("failed to upsert friend request: %w", err)
		}
		tx.touch(TopicConnections)
		return nil
	})
}

// DeleteFriendRequest removes a request by server id or local id.
// Missing rows are ignored.
func (r *Repository) DeleteFriendRequest(ctx context.Context, id string, localID models.UUID) error {
	_, err := r.exec(ctx, `
	DELETE FROM friend_requests
	WHERE (? != '' AND id = ?) OR (? != '' AND local_id = ?)`,
		id, id, localID, localID)
	if err != nil {
		return fmt.Errorf("failed to delete friend request: %w", err)
	}
	r.touch(TopicConnections)
	return nil
}

func scanFriendRequest(s scanner) (*models.FriendRequest, error) {
	var req models.FriendRequest
	if err := s.Scan(&req.ID, &req.LocalID, &req.Direction, &req.UserID, &req.Username,
		&req.DisplayName, &req.Status, &req.CreatedAt, &req.UpdatedAt); err != nil {
		return nil, err
	}
	return &req, nil
}
