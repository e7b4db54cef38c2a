package payload

import (
	"errors"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// UpdateDisplayName carries a display name edit. UpdatedAt is the
// optimistic concurrency token captured when the edit was made.
type UpdateDisplayName struct {
	DisplayName string `json:"display_name"`
	UpdatedAt   string `json:"updated_at"`
}

func (*UpdateDisplayName) Kind() Kind { return KindUpdateDisplayName }
func (*UpdateDisplayName) sealed() {}

func (p *UpdateDisplayName) Validate() error {
	if p.DisplayName == "" {
		return errors.New("display_name is required")
	}
	return validToken(p.UpdatedAt)
}

// AvatarSource tells how an avatar reference resolves to a file.
type AvatarSource string

const (
	// AvatarSourceLocal is a file already inside the private avatar directory.
	AvatarSourceLocal AvatarSource = "local"
	// AvatarSourceExternal is a transient file owned by someone else (a
	// picker result, a download); it is copied before upload.
	AvatarSourceExternal AvatarSource = "external"
)

// UploadAvatar carries an avatar change.
type UploadAvatar struct {
	Source    AvatarSource `json:"source"`
	Path      string       `json:"path"`
	MimeType  string       `json:"mime_type,omitempty"`
	UpdatedAt string       `json:"updated_at"`
}

func (*UploadAvatar) Kind() Kind { return KindUploadAvatar }
func (*UploadAvatar) sealed() {}

func (p *UploadAvatar) Validate() error {
	if p.Source != AvatarSourceLocal && p.Source != AvatarSourceExternal {
		return errors.New("source must be local or external")
	}
	if p.Path == "" {
		return errors.New("path is required")
	}
	return validToken(p.UpdatedAt)
}

// SendFriendRequest carries a new outgoing request. LocalID is the client
// idempotency key and the local id of the optimistic row.
type SendFriendRequest struct {
	LocalID   models.UUID `json:"client_request_id"`
	Username  string      `json:"username"`
	UpdatedAt string      `json:"updated_at"`
}

func (*SendFriendRequest) Kind() Kind { return KindSendFriendRequest }
func (*SendFriendRequest) sealed() {}

func (p *SendFriendRequest) Validate() error {
	if p.LocalID == "" {
		return errors.New("client_request_id is required")
	}
	if p.Username == "" {
		return errors.New("username is required")
	}
	return validToken(p.UpdatedAt)
}

// RequestRef names an existing request by server id, or by local id when
// the request was created on this device and may not be acknowledged yet.
type RequestRef struct {
	RequestID string      `json:"request_id,omitempty"`
	LocalID   models.UUID `json:"client_request_id,omitempty"`
	UpdatedAt string      `json:"updated_at"`
}

func (r *RequestRef) validate() error {
	if r.RequestID == "" && r.LocalID == "" {
		return errors.New("request_id or client_request_id is required")
	}
	return validToken(r.UpdatedAt)
}

// AcceptFriendRequest accepts an incoming request.
type AcceptFriendRequest struct {
	RequestRef
}

func (*AcceptFriendRequest) Kind() Kind { return KindAcceptFriendRequest }
func (*AcceptFriendRequest) sealed() {}
func (p *AcceptFriendRequest) Validate() error { return p.validate() }

// DeclineFriendRequest declines an incoming request.
type DeclineFriendRequest struct {
	RequestRef
}

func (*DeclineFriendRequest) Kind() Kind { return KindDeclineFriendRequest }
func (*DeclineFriendRequest) sealed() {}
func (p *DeclineFriendRequest) Validate() error { return p.validate() }

// CancelFriendRequest withdraws an outgoing request.
type CancelFriendRequest struct {
	RequestRef
}

func (*CancelFriendRequest) Kind() Kind { return KindCancelFriendRequest }
func (*CancelFriendRequest) sealed() {}
func (p *CancelFriendRequest) Validate() error { return p.validate() }

// CreateMatch carries a recorded match. ClientMatchID is generated once
// when the match is recorded and submitted unchanged on every retry.
type CreateMatch struct {
	ClientMatchID models.UUID          `json:"client_match_id"`
	Format        string               `json:"format"`
	Players       []models.MatchPlayer `json:"players"`
	WinnerUserID  string               `json:"winner_user_id,omitempty"`
	StartedAt     string               `json:"started_at"`
	EndedAt       string               `json:"ended_at"`
	Notes         string               `json:"notes,omitempty"`
	UpdatedAt     string               `json:"updated_at"`
}

func (*CreateMatch) Kind() Kind { return KindCreateMatch }
func (*CreateMatch) sealed() {}

func (p *CreateMatch) Validate() error {
	if p.ClientMatchID == "" {
		return errors.New("client_match_id is required")
	}
	if len(p.Players) == 0 {
		return errors.New("at least one player is required")
	}
	return validToken(p.UpdatedAt)
}

func validToken(s string) error {
	if s == "" {
		return errors.New("updated_at is required")
	}
	_, err := models.ParseTimestamp(s)
	return err
}
