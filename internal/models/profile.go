// Package models provides data model definitions for the sync core.
package models

// Profile is the local projection of the signed-in user's profile.
// UpdatedAt and AvatarUpdatedAt are logical timestamps used as optimistic
// concurrency tokens; PendingSync marks an edit the server has not yet
// acknowledged.
type Profile struct {
	UserID          string `db:"user_id" json:"user_id"`
	Username        string `db:"username" json:"username"`
	DisplayName     string `db:"display_name" json:"display_name"`
	AvatarURL       string `db:"avatar_url" json:"avatar_url,omitempty"`
	AvatarPath      string `db:"avatar_path" json:"avatar_path,omitempty"`
	UpdatedAt       string `db:"updated_at" json:"updated_at"`
	AvatarUpdatedAt string `db:"avatar_updated_at" json:"avatar_updated_at,omitempty"`
	PendingSync     bool   `db:"pending_sync" json:"pending_sync"`
}

// TableName returns the table name for Profile.
func (Profile) TableName() string {
	return "profile"
}
