// Package conflict provides conflict resolution between optimistic local
// edits and server-authoritative state.
//
// Profile merges use "last write wins" on the logical updated_at tokens,
// separately for the display name and the avatar. The server always wins
// unless the local row holds an unacknowledged edit with a strictly newer
// token.
package conflict

import (
	"time"

	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	// ResolutionStrategyServerWins absorbs the server state unconditionally.
	ResolutionStrategyServerWins ResolutionStrategy = "server_wins"
)

// Resolutions recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// ProfileResult is the outcome of merging a fetched profile into the local one.
type ProfileResult struct {
	Merged *models.Profile
	// DisplayResolution and AvatarResolution are empty when there was no
	// pending local edit for that part.
	DisplayResolution string
	AvatarResolution  string
	// ConflictLogs holds one entry per pending local edit the server overwrote.
	ConflictLogs []*models.ConflictLog
	// StaleAvatarPath is a cached local avatar file superseded by a newer
	// server avatar; the caller should delete it.
	StaleAvatarPath string
}

// ResolveProfile merges remote into local. local may be nil.
func (r *Resolver) ResolveProfile(local, remote *models.Profile) (*ProfileResult, error) {
	if remote == nil {
		return nil, ErrInvalidConflict
	}
	if local != nil && local.UserID != "" && remote.UserID != "" && local.UserID != remote.UserID {
		return nil, ErrItemIDMismatch
	}

	merged := *remote
	merged.PendingSync = false
	result := &ProfileResult{Merged: &merged}

	if local == nil {
		return result, nil
	}

	// The avatar file is local-only state.
	merged.AvatarPath = local.AvatarPath
	lww := r.strategy != ResolutionStrategyServerWins

	if local.PendingSync && !SameInstant(local.UpdatedAt, remote.UpdatedAt) {
		if lww && IsNewer(local.UpdatedAt, remote.UpdatedAt) {
			merged.DisplayName = local.DisplayName
			merged.UpdatedAt = local.UpdatedAt
			merged.PendingSync = true
			result.DisplayResolution = ResolutionLocalWins
		} else if local.DisplayName != remote.DisplayName {
			result.DisplayResolution = ResolutionRemoteWins
			result.ConflictLogs = append(result.ConflictLogs,
				r.conflictLog(models.EntityProfile, remote.UserID, local.UpdatedAt, remote.UpdatedAt))
		}
	}

	if !SameInstant(local.AvatarUpdatedAt, remote.AvatarUpdatedAt) {
		switch {
		case lww && local.PendingSync && IsNewer(local.AvatarUpdatedAt, remote.AvatarUpdatedAt):
			merged.AvatarUpdatedAt = local.AvatarUpdatedAt
			merged.AvatarURL = local.AvatarURL
			merged.PendingSync = true
			result.AvatarResolution = ResolutionLocalWins
		case IsNewer(remote.AvatarUpdatedAt, local.AvatarUpdatedAt):
			// A newer avatar was set elsewhere; the cached file is stale.
			merged.AvatarPath = ""
			result.StaleAvatarPath = local.AvatarPath
			if local.PendingSync && local.AvatarUpdatedAt != "" {
				result.AvatarResolution = ResolutionRemoteWins
				result.ConflictLogs = append(result.ConflictLogs,
					r.conflictLog(models.EntityAvatar, remote.UserID, local.AvatarUpdatedAt, remote.AvatarUpdatedAt))
			}
		}
	}

	if len(result.ConflictLogs) > 0 {
		logging.Info("Conflict resolved in favour of server",
			map[string]interface{}{
				"user_id":            remote.UserID,
				"display_resolution": result.DisplayResolution,
				"avatar_resolution":  result.AvatarResolution,
				"local_updated_at":   local.UpdatedAt,
				"remote_updated_at":  remote.UpdatedAt,
				"strategy":           r.strategy,
			})
	}
	return result, nil
}

// ProfilePart names the independently versioned halves of a profile.
type ProfilePart int

const (
	PartDisplayName ProfilePart = iota
	PartAvatar
)

// AbsorbProfile merges remote into local like ResolveProfile, except that
// part always takes the server's value. It is used when the server has
// rejected or out-raced the local edit for that part, which must then stop
// being pending.
func (r *Resolver) AbsorbProfile(local, remote *models.Profile, part ProfilePart) (*ProfileResult, error) {
	result, err := r.ResolveProfile(local, remote)
	if err != nil || local == nil {
		return result, err
	}
	merged := result.Merged

	switch part {
	case PartDisplayName:
		if result.DisplayResolution == ResolutionLocalWins {
			if log := r.Absorb(models.EntityProfile, remote.UserID, local.UpdatedAt, remote.UpdatedAt); log != nil {
				result.ConflictLogs = append(result.ConflictLogs, log)
			}
		}
		merged.DisplayName = remote.DisplayName
		merged.UpdatedAt = remote.UpdatedAt
		result.DisplayResolution = ResolutionRemoteWins
	case PartAvatar:
		if result.AvatarResolution == ResolutionLocalWins {
			if log := r.Absorb(models.EntityAvatar, remote.UserID, local.AvatarUpdatedAt, remote.AvatarUpdatedAt); log != nil {
				result.ConflictLogs = append(result.ConflictLogs, log)
			}
		}
		if !SameInstant(local.AvatarUpdatedAt, remote.AvatarUpdatedAt) && local.AvatarPath != "" {
			result.StaleAvatarPath = local.AvatarPath
			merged.AvatarPath = ""
		}
		merged.AvatarURL = remote.AvatarURL
		merged.AvatarUpdatedAt = remote.AvatarUpdatedAt
		result.AvatarResolution = ResolutionRemoteWins
	}

	merged.PendingSync = (part != PartDisplayName && result.DisplayResolution == ResolutionLocalWins) ||
		(part != PartAvatar && result.AvatarResolution == ResolutionLocalWins)
	return result, nil
}

// Absorb records that the server's state replaced a local edit after a
// conflict the client cannot win (for example a second 409). It returns
// the log entry to persist, or nil when the tokens already agree.
func (r *Resolver) Absorb(entity models.EntityType, entityID, localToken, remoteToken string) *models.ConflictLog {
	if SameInstant(localToken, remoteToken) {
		return nil
	}
	logging.Warn("Local edit overwritten by server state",
		map[string]interface{}{
			"entity_type":       entity,
			"entity_id":         entityID,
			"local_updated_at":  localToken,
			"remote_updated_at": remoteToken,
		})
	return r.conflictLog(entity, entityID, localToken, remoteToken)
}

func (r *Resolver) conflictLog(entity models.EntityType, entityID, localToken, remoteToken string) *models.ConflictLog {
	return &models.ConflictLog{
		EntityType:      entity,
		EntityID:        entityID,
		LocalUpdatedAt:  localToken,
		RemoteUpdatedAt: remoteToken,
		Resolution:      ResolutionRemoteWins,
		DetectedAt:      r.now().UnixMilli(),
	}
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: remote state is required"}
	ErrItemIDMismatch  = &ConflictError{Message: "item ID mismatch"}
	errEmptyToken      = &ConflictError{Message: "no timestamp to build a token from"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
