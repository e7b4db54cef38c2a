// Package models provides data model definitions for the sync core.
package models

import "time"

// ConflictLog records a server-authoritative overwrite of a local edit so
// the user can be made aware of it.
type ConflictLog struct {
	ID              int64      `db:"id" json:"id"`
	EntityType      EntityType `db:"entity_type" json:"entity_type"`
	EntityID        string     `db:"entity_id" json:"entity_id"`
	LocalUpdatedAt  string     `db:"local_updated_at" json:"local_updated_at"`
	RemoteUpdatedAt string     `db:"remote_updated_at" json:"remote_updated_at"`
	Resolution      string     `db:"resolution" json:"resolution"` // local_wins, remote_wins
	DetectedAt      int64      `db:"detected_at" json:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
