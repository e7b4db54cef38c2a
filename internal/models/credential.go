// Package models provides data model definitions for the sync core.
package models

import "time"

// Credential is the signed-in session used to authenticate remote calls.
// AccessToken is never exposed in JSON responses.
type Credential struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at,omitempty"` // epoch seconds, 0 = no expiry
}

// ExpiresAtTime returns the ExpiresAt as time.Time.
func (c *Credential) ExpiresAtTime() time.Time {
	return time.Unix(c.ExpiresAt, 0)
}

// Valid reports whether the credential can still be presented at now.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == 0 || now.Before(c.ExpiresAtTime())
}
