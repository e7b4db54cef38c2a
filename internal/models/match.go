// Package models provides data model definitions for the sync core.
package models

// Match sync statuses.
const (
	MatchStatusPendingSync = "pending_sync"
	MatchStatusSynced      = "synced"
	MatchStatusFailed      = "failed"
)

// MatchPlayer is one seat of a recorded match.
type MatchPlayer struct {
	UserID    string `json:"user_id,omitempty"`
	Name      string `json:"name"`
	StartLife int    `json:"start_life"`
	EndLife   int    `json:"end_life"`
}

// Match is a locally recorded game result. ClientMatchID is generated once
// when the match is recorded and is submitted on every retry so the server
// can deduplicate; ServerID is filled in once the server acknowledges it.
type Match struct {
	ClientMatchID UUID          `db:"client_match_id" json:"client_match_id"`
	ServerID      string        `db:"server_id" json:"server_id,omitempty"`
	Format        string        `db:"format" json:"format"`
	Players       []MatchPlayer `db:"players" json:"players"`
	WinnerUserID  string        `db:"winner_user_id" json:"winner_user_id,omitempty"`
	StartedAt     string        `db:"started_at" json:"started_at"`
	EndedAt       string        `db:"ended_at" json:"ended_at"`
	Notes         string        `db:"notes" json:"notes,omitempty"`
	Status        string        `db:"status" json:"status"`
	UpdatedAt     string        `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Match.
func (Match) TableName() string {
	return "matches"
}
