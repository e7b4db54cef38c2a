package remote

import "github.com/kimhsiao/matchbook/core/internal/models"

// UpdateProfileRequest is the PATCH /v1/profile body.
type UpdateProfileRequest struct {
	DisplayName string `json:"display_name"`
	UpdatedAt   string `json:"updated_at"`
}

// SendFriendRequestRequest is the POST /v1/friends/requests body.
type SendFriendRequestRequest struct {
	Username        string      `json:"username"`
	ClientRequestID models.UUID `json:"client_request_id"`
	UpdatedAt       string      `json:"updated_at"`
}

// RequestActionRequest is the body of accept, decline and cancel.
type RequestActionRequest struct {
	UpdatedAt string `json:"updated_at"`
}

// AcceptResponse is returned by accept: the new friend.
type AcceptResponse struct {
	Friend models.Friend `json:"friend"`
}

// CreateMatchRequest is the POST /v1/matches body.
type CreateMatchRequest struct {
	ClientMatchID models.UUID          `json:"client_match_id"`
	Format        string               `json:"format"`
	Players       []models.MatchPlayer `json:"players"`
	WinnerUserID  string               `json:"winner_user_id,omitempty"`
	StartedAt     string               `json:"started_at"`
	EndedAt       string               `json:"ended_at"`
	Notes         string               `json:"notes,omitempty"`
	UpdatedAt     string               `json:"updated_at"`
}

// MatchResponse identifies a stored match.
type MatchResponse struct {
	MatchID       string      `json:"match_id"`
	ClientMatchID models.UUID `json:"client_match_id"`
	UpdatedAt     string      `json:"updated_at,omitempty"`
}

// ConnectionsResult is the outcome of a conditional connections fetch.
type ConnectionsResult struct {
	NotModified bool
	ETag        string
	Connections models.Connections
}

// AvatarUpload is the multipart avatar request.
type AvatarUpload struct {
	FileName  string
	MimeType  string
	UpdatedAt string
}
