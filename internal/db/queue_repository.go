package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// =====================================================
// Sync Queue Operations
// =====================================================

const queueColumns = `id, entity_type, action, payload, created_at, attempt_count, last_error`

// Enqueue appends item to the queue, assigning its ID and CreatedAt.
// CreatedAt is strictly greater than that of every item ever enqueued, even
// across restarts or a wall clock that moves backwards.
func (r *Repository) Enqueue(ctx context.Context, item *models.QueueItem) error {
	if item.EntityType == "" || item.Action == "" {
		return fmt.Errorf("queue item requires entity type and action")
	}
	if len(item.Payload) == 0 {
		return fmt.Errorf("queue item %s/%s has no payload", item.EntityType, item.Action)
	}

	return r.InTx(ctx, func(tx *Repository) error {
		var highWater int64
		raw, ok, err := tx.GetMetadata(ctx, models.MetaQueueHighWater)
		if err != nil {
			return err
		}
		if ok {
			highWater, err = strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt queue high-water mark %q: %w", raw, err)
			}
		}

		createdAt := tx.now().UnixMilli()
		if createdAt <= highWater {
			createdAt = highWater + 1
		}

		res, err := tx.exec(ctx,
			`INSERT INTO sync_queue (entity_type, action, payload, created_at, attempt_count, last_error)
			 VALUES (?, ?, ?, ?, 0, '')`,
			item.EntityType, item.Action, string(item.Payload), createdAt)
		if err != nil {
			return fmt.Errorf("failed to insert queue item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		if err := tx.SetMetadata(ctx, models.MetaQueueHighWater, strconv.FormatInt(createdAt, 10)); err != nil {
			return err
		}

		item.ID = id
		item.CreatedAt = createdAt
		item.AttemptCount = 0
		item.LastError = ""
		tx.touch(TopicQueue)
		return nil
	})
}

// PeekOldest returns the item at the head of the queue without removing it,
// or nil when the queue is empty.
func (r *Repository) PeekOldest(ctx context.Context) (*models.QueueItem, error) {
	row, err := r.queryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at ASC, id ASC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// GetQueueItem retrieves a queue item by ID.
func (r *Repository) GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error) {
	row, err := r.queryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// DeleteQueueItem removes a terminal item. Deleting an item that is already
// gone is not an error.
func (r *Repository) DeleteQueueItem(ctx context.Context, id int64) error {
	if _, err := r.exec(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %d: %w", id, err)
	}
	r.touch(TopicQueue)
	return nil
}

// IncrementAttempt records a failed attempt, leaving the item in place.
func (r *Repository) IncrementAttempt(ctx context.Context, id int64, lastError string) error {
	res, err := r.exec(ctx,
		`UPDATE sync_queue SET attempt_count = attempt_count + 1, last_error = ? WHERE id = ?`,
		lastError, id)
	if err != nil {
		return fmt.Errorf("failed to record attempt for queue item %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.touch(TopicQueue)
	return nil
}

// CountQueue reports the backlog size.
func (r *Repository) CountQueue(ctx context.Context) (int, error) {
	row, err := r.queryRow(ctx, `SELECT COUNT(*) FROM sync_queue`)
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListQueue returns up to limit items in FIFO order. A limit <= 0 lists all.
func (r *Repository) ListQueue(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.query(ctx, `SELECT `+queueColumns+` FROM sync_queue ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*models.QueueItem
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanQueueItem(s scanner) (*models.QueueItem, error) {
	var item models.QueueItem
	var payload string
	if err := s.Scan(&item.ID, &item.EntityType, &item.Action, &payload,
		&item.CreatedAt, &item.AttemptCount, &item.LastError); err != nil {
		return nil, err
	}
	item.Payload = []byte(payload)
	return &item, nil
}
