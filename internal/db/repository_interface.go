// Package db provides repository interfaces for the queue and projections.
package db

import (
	"context"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// QueueRepository defines operations on the durable mutation queue.
type QueueRepository interface {
	// Enqueue appends an item with a fresh, strictly increasing timestamp.
	Enqueue(ctx context.Context, item *models.QueueItem) error

	// PeekOldest returns the head of the queue without removing it.
	PeekOldest(ctx context.Context) (*models.QueueItem, error)

	// GetQueueItem retrieves a queue item by ID.
	GetQueueItem(ctx context.Context, id int64) (*models.QueueItem, error)

	// DeleteQueueItem removes a terminal item.
	DeleteQueueItem(ctx context.Context, id int64) error

	// IncrementAttempt records a failed attempt without removing the item.
	IncrementAttempt(ctx context.Context, id int64, lastError string) error

	// CountQueue reports the backlog size.
	CountQueue(ctx context.Context) (int, error)

	// ListQueue returns items in FIFO order.
	ListQueue(ctx context.Context, limit int) ([]*models.QueueItem, error)
}

// ProfileRepository defines operations on the profile projection.
type ProfileRepository interface {
	GetProfile(ctx context.Context) (*models.Profile, error)
	SaveProfile(ctx context.Context, p *models.Profile) error
}

// ConnectionsRepository defines operations on the friends projection.
type ConnectionsRepository interface {
	GetConnections(ctx context.Context) (*models.Connections, error)
	ReplaceConnections(ctx context.Context, c models.Connections) error
	ListFriends(ctx context.Context) ([]models.Friend, error)
	UpsertFriend(ctx context.Context, f *models.Friend) error
	ListFriendRequests(ctx context.Context, dir models.RequestDirection) ([]models.FriendRequest, error)
	GetFriendRequest(ctx context.Context, id string) (*models.FriendRequest, error)
	GetFriendRequestByLocalID(ctx context.Context, localID models.UUID) (*models.FriendRequest, error)
	UpsertFriendRequest(ctx context.Context, req *models.FriendRequest) error
	DeleteFriendRequest(ctx context.Context, id string, localID models.UUID) error
}

// MatchRepository defines operations on the match projection.
type MatchRepository interface {
	InsertMatch(ctx context.Context, m *models.Match) error
	GetMatch(ctx context.Context, clientMatchID models.UUID) (*models.Match, error)
	ListMatches(ctx context.Context, limit int) ([]*models.Match, error)
	MarkMatchSynced(ctx context.Context, clientMatchID models.UUID, serverID, updatedAt string) error
	MarkMatchFailed(ctx context.Context, clientMatchID models.UUID) error
}

// MetadataRepository defines operations on the sync_metadata table.
type MetadataRepository interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
}

// ConflictLogRepository defines operations for conflict log persistence.
type ConflictLogRepository interface {
	// CreateConflictLog creates a new conflict log entry.
	CreateConflictLog(ctx context.Context, log *models.ConflictLog) error

	// ListConflictLogs returns the most recent conflicts first.
	ListConflictLogs(ctx context.Context, limit int) ([]*models.ConflictLog, error)
}

// ProjectionRepository groups the repositories handlers and the reconciler
// write through.
type ProjectionRepository interface {
	ProfileRepository
	ConnectionsRepository
	MatchRepository
	MetadataRepository
	ConflictLogRepository
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ QueueRepository       = (*Repository)(nil)
	_ ProfileRepository     = (*Repository)(nil)
	_ ConnectionsRepository = (*Repository)(nil)
	_ MatchRepository       = (*Repository)(nil)
	_ MetadataRepository    = (*Repository)(nil)
	_ ConflictLogRepository = (*Repository)(nil)
	_ ProjectionRepository  = (*Repository)(nil)
)
