// Package models provides data model definitions for the sync core.
package models

import (
	"encoding/json"
	"time"
)

// EntityType identifies the kind of remote entity a queued mutation targets.
type EntityType string

const (
	EntityProfile       EntityType = "PROFILE"
	EntityAvatar        EntityType = "AVATAR"
	EntityFriendRequest EntityType = "FRIEND_REQUEST"
	EntityMatch         EntityType = "MATCH"
)

// Action is a verb scoped to an EntityType.
type Action string

const (
	ActionUpdateDisplayName Action = "UPDATE_DISPLAY_NAME"
	ActionUploadAvatar      Action = "UPLOAD_AVATAR"
	ActionSendRequest       Action = "SEND_REQUEST"
	ActionAccept            Action = "ACCEPT"
	ActionDecline           Action = "DECLINE"
	ActionCancel            Action = "CANCEL"
	ActionCreate            Action = "CREATE"
)

// QueueItem represents a pending mutation in the durable queue.
// Items are ordered by (CreatedAt, ID) and are only ever modified through
// attempt bookkeeping.
type QueueItem struct {
	ID           int64           `db:"id" json:"id"`
	EntityType   EntityType      `db:"entity_type" json:"entity_type"`
	Action       Action          `db:"action" json:"action"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	CreatedAt    int64           `db:"created_at" json:"created_at"` // epoch ms
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	LastError    string          `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (q *QueueItem) CreatedAtTime() time.Time {
	return time.UnixMilli(q.CreatedAt)
}
