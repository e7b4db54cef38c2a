// Package models provides data model definitions for the sync core.
package models

// Well-known sync_metadata keys.
const (
	MetaConnectionsETag  = "connections_etag"
	MetaQueueHighWater   = "queue_high_water_ms"
	MetaPendingRun       = "scheduler_pending_run"
	MetaLastSuccessfulAt = "last_successful_sync"
)

// SyncMetadata is a small key/value record holding conditional-fetch tokens
// and scheduler bookkeeping.
type SyncMetadata struct {
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncMetadata.
func (SyncMetadata) TableName() string {
	return "sync_metadata"
}
