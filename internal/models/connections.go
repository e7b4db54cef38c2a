// Package models provides data model definitions for the sync core.
package models

// RequestDirection tells whether a friend request was received or sent.
type RequestDirection string

const (
	DirectionIncoming RequestDirection = "incoming"
	DirectionOutgoing RequestDirection = "outgoing"
)

// Friend request statuses.
const (
	RequestStatusPending     = "pending"      // confirmed by server
	RequestStatusPendingSync = "pending_sync" // created locally, not acknowledged
)

// Friend is an accepted connection.
type Friend struct {
	UserID      string `db:"user_id" json:"user_id"`
	Username    string `db:"username" json:"username"`
	DisplayName string `db:"display_name" json:"display_name,omitempty"`
	AvatarURL   string `db:"avatar_url" json:"avatar_url,omitempty"`
	UpdatedAt   string `db:"updated_at" json:"updated_at,omitempty"`
}

// TableName returns the table name for Friend.
func (Friend) TableName() string {
	return "friends"
}

// FriendRequest is an incoming or outgoing pending connection.
// ID is the server id and is empty until the server acknowledges a locally
// created request; LocalID is the client-generated idempotency key.
type FriendRequest struct {
	ID          string           `db:"id" json:"id,omitempty"`
	LocalID     UUID             `db:"local_id" json:"client_request_id,omitempty"`
	Direction   RequestDirection `db:"direction" json:"direction"`
	UserID      string           `db:"user_id" json:"user_id,omitempty"`
	Username    string           `db:"username" json:"username"`
	DisplayName string           `db:"display_name" json:"display_name,omitempty"`
	Status      string           `db:"status" json:"status"`
	CreatedAt   string           `db:"created_at" json:"created_at,omitempty"`
	UpdatedAt   string           `db:"updated_at" json:"updated_at,omitempty"`
}

// TableName returns the table name for FriendRequest.
func (FriendRequest) TableName() string {
	return "friend_requests"
}

// Connections is one generation of the friends projection: the accepted,
// incoming and outgoing partitions are always replaced together.
type Connections struct {
	Friends  []Friend        `json:"friends"`
	Incoming []FriendRequest `json:"incoming"`
	Outgoing []FriendRequest `json:"outgoing"`
}
