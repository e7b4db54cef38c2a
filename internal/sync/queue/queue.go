// Package queue provides the durable mutation queue used for offline operations.
//
// The queue is strictly FIFO by (created_at, id). Items are never reordered
// and are only modified through attempt bookkeeping; removal is the sync
// engine's decision alone.
package queue

import (
	"context"
	"fmt"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
)

// Store is the durable queue. Enqueue never touches the network; any store
// failure is returned to the caller and aborts a sync run.
type Store struct {
	repo db.QueueRepository
}

// NewStore creates a Store over repo. Pass a transaction-bound repository
// to make an enqueue atomic with an optimistic projection write.
func NewStore(repo db.QueueRepository) *Store {
	return &Store{repo: repo}
}

// Enqueue appends the mutation p and returns the stored item.
func (s *Store) Enqueue(ctx context.Context, p payload.Payload) (*models.QueueItem, error) {
	item, err := payload.NewQueueItem(p)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrPayload, "invalid mutation", err)
	}
	if err := s.repo.Enqueue(ctx, item); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "enqueue failed", err)
	}

	logging.Debug("Enqueued mutation", map[string]interface{}{
		"id":          item.ID,
		"entity_type": item.EntityType,
		"action":      item.Action,
	})
	return item, nil
}

// PeekOldest returns the head of the queue without removing it, or nil.
func (s *Store) PeekOldest(ctx context.Context) (*models.QueueItem, error) {
	item, err := s.repo.PeekOldest(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "peek failed", err)
	}
	return item, nil
}

// DeleteByID removes a terminal item.
func (s *Store) DeleteByID(ctx context.Context, id int64) error {
	if err := s.repo.DeleteQueueItem(ctx, id); err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, fmt.Sprintf("delete %d failed", id), err)
	}
	return nil
}

// IncrementAttempt records a failed attempt and leaves the item at the head.
func (s *Store) IncrementAttempt(ctx context.Context, id int64, reason string) error {
	if err := s.repo.IncrementAttempt(ctx, id, reason); err != nil {
		return apperrors.Wrap(apperrors.ErrQueue, fmt.Sprintf("record attempt for %d failed", id), err)
	}
	return nil
}

// Count reports the backlog size.
func (s *Store) Count(ctx context.Context) (int, error) {
	n, err := s.repo.CountQueue(ctx)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrQueue, "count failed", err)
	}
	return n, nil
}

// List returns up to limit items in FIFO order; limit <= 0 lists all.
func (s *Store) List(ctx context.Context, limit int) ([]*models.QueueItem, error) {
	items, err := s.repo.ListQueue(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrQueue, "list failed", err)
	}
	return items, nil
}

// Stats summarizes the backlog.
type Stats struct {
	Total    int                       `json:"total"`
	Retrying int                       `json:"retrying"` // items with at least one failed attempt
	ByEntity map[models.EntityType]int `json:"by_entity"`
	// OldestCreatedAt is the head's created_at in epoch ms, 0 when empty.
	OldestCreatedAt int64  `json:"oldest_created_at"`
	LastError       string `json:"last_error,omitempty"`
}

// GetStats returns queue statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	items, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByEntity: make(map[models.EntityType]int)}
	for i, item := range items {
		if i == 0 {
			stats.OldestCreatedAt = item.CreatedAt
			stats.LastError = item.LastError
		}
		stats.Total++
		stats.ByEntity[item.EntityType]++
		if item.AttemptCount > 0 {
			stats.Retrying++
		}
	}
	return stats, nil
}
