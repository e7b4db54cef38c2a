package handlers

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// =====================================================
// Display name
// =====================================================

// DisplayNameHandler sends display name edits. On a conflict it refetches
// the server profile and resubmits once with a token past the server's; a
// second conflict absorbs the server's name.
type DisplayNameHandler struct {
	deps Deps
}

// Handle implements Handler.
func (h *DisplayNameHandler) Handle(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.UpdateDisplayName)
	if !ok {
		return wrongPayload("update_display_name", p)
	}

	token := pl.UpdatedAt
	for attempt := 0; ; attempt++ {
		prof, err := h.deps.Remote.UpdateDisplayName(ctx, pl.DisplayName, token)
		if err == nil {
			return recorded("update_display_name", h.deps.Projection.ApplyProfile(ctx, prof))
		}

		switch remote.Classify(err) {
		case remote.ClassConflict:
			server, ferr := serverProfile(ctx, h.deps.Remote, err)
			if ferr != nil {
				return fromError("update_display_name", ferr)
			}
			if attempt > 0 {
				return h.absorb(ctx, server)
			}
			next, terr := resubmitToken(token, server.UpdatedAt)
			if terr != nil {
				return h.absorb(ctx, server)
			}
			if err := bumpToken(ctx, h.deps.Repo, conflict.PartDisplayName, token, next); err != nil {
				return Retry{Reason: err.Error()}
			}
			logging.Info("Display name conflict, resubmitting with advanced token",
				logging.Fields{"rejected": token, "server": server.UpdatedAt, "next": next})
			token = next

		case remote.ClassPermanent:
			// Drop the rejected edit so it stops showing as pending.
			if server, ferr := h.deps.Remote.GetProfile(ctx); ferr == nil {
				h.absorbQuietly(ctx, server)
			}
			return fromError("update_display_name", err)

		default:
			return fromError("update_display_name", err)
		}
	}
}

func (h *DisplayNameHandler) absorb(ctx context.Context, server *models.Profile) Outcome {
	logging.Warn("Display name conflict persisted, absorbing server state",
		logging.Fields{"server_updated_at": server.UpdatedAt})
	h.absorbQuietly(ctx, server)
	return Delete{}
}

func (h *DisplayNameHandler) absorbQuietly(ctx context.Context, server *models.Profile) {
	if err := h.deps.Projection.AbsorbProfile(ctx, server, conflict.PartDisplayName); err != nil {
		logging.Error("Failed to absorb server profile", err, nil)
	}
}

// =====================================================
// Avatar
// =====================================================

// UploadResult is the outcome of one avatar upload call.
type UploadResult interface {
	uploadResult()
}

// UploadSuccess carries the profile the server stored.
type UploadSuccess struct {
	Profile *models.Profile
}

// UploadUnauthorized means there is no valid session.
type UploadUnauthorized struct{}

// UploadPermanentFailure means the upload can never succeed as queued.
type UploadPermanentFailure struct {
	Reason string
}

// UploadConflict means the server holds a newer avatar than the token sent.
type UploadConflict struct {
	Server *models.Profile
}

// UploadRetry means the call failed transiently.
type UploadRetry struct {
	Reason string
}

func (UploadSuccess) uploadResult()          {}
func (UploadUnauthorized) uploadResult()     {}
func (UploadPermanentFailure) uploadResult() {}
func (UploadConflict) uploadResult()         {}
func (UploadRetry) uploadResult()            {}

// AvatarHandler uploads avatar files.
//
// A reference to an external file is copied into the private temp area
// first; the copy is always removed afterwards. The source file is removed
// when the upload turns out to be superseded: a newer avatar exists in the
// projection before the call, or the server's resulting avatar_updated_at
// is not the instant that was sent.
type AvatarHandler struct {
	deps Deps
}

// Handle implements Handler.
func (h *AvatarHandler) Handle(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.UploadAvatar)
	if !ok {
		return wrongPayload("upload_avatar", p)
	}

	local, err := h.deps.Repo.GetProfile(ctx)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return Retry{Reason: err.Error()}
	}
	if local != nil && conflict.IsNewer(local.AvatarUpdatedAt, pl.UpdatedAt) {
		logging.Info("Avatar upload superseded by a newer edit",
			logging.Fields{"queued": pl.UpdatedAt, "current": local.AvatarUpdatedAt})
		h.discardSource(ctx, pl)
		return Delete{}
	}

	path, cleanup, err := h.resolve(pl)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Warn("Avatar file is gone, dropping upload", logging.Fields{"path": pl.Path})
			return Delete{}
		}
		return Retry{Reason: err.Error()}
	}
	defer cleanup()

	token := pl.UpdatedAt
	for attempt := 0; ; attempt++ {
		switch r := h.upload(ctx, path, pl.MimeType, token).(type) {
		case UploadSuccess:
			if err := h.deps.Projection.ApplyProfile(ctx, r.Profile); err != nil {
				return recorded("upload_avatar", err)
			}
			if !conflict.SameInstant(r.Profile.AvatarUpdatedAt, token) {
				h.discardSource(ctx, pl)
			}
			return Delete{}

		case UploadUnauthorized:
			return StopSuccess{}

		case UploadPermanentFailure:
			logging.Warn("Avatar upload rejected", logging.Fields{"reason": r.Reason})
			if server, err := h.deps.Remote.GetProfile(ctx); err == nil {
				h.absorb(ctx, server)
				if !conflict.SameInstant(server.AvatarUpdatedAt, token) {
					h.discardSource(ctx, pl)
				}
			}
			return Delete{}

		case UploadConflict:
			if attempt > 0 {
				logging.Warn("Avatar conflict persisted, absorbing server state",
					logging.Fields{"server_avatar_updated_at": r.Server.AvatarUpdatedAt})
				h.absorb(ctx, r.Server)
				h.discardSource(ctx, pl)
				return Delete{}
			}
			next, err := resubmitToken(token, r.Server.AvatarUpdatedAt)
			if err != nil {
				h.absorb(ctx, r.Server)
				return Delete{}
			}
			if err := bumpToken(ctx, h.deps.Repo, conflict.PartAvatar, token, next); err != nil {
				return Retry{Reason: err.Error()}
			}
			token = next

		case UploadRetry:
			return Retry{Reason: r.Reason}
		}
	}
}

// resolve returns the file to upload and a cleanup func for any temp copy.
func (h *AvatarHandler) resolve(pl *payload.UploadAvatar) (string, func(), error) {
	if pl.Source == payload.AvatarSourceLocal {
		if _, err := os.Stat(pl.Path); err != nil {
			return "", nil, err
		}
		return pl.Path, func() {}, nil
	}

	if h.deps.Avatars == nil {
		return "", nil, errors.New("no avatar store configured")
	}
	tmp, err := h.deps.Avatars.TempCopy(pl.Path)
	if err != nil {
		if _, serr := os.Stat(pl.Path); os.IsNotExist(serr) {
			return "", nil, serr
		}
		return "", nil, err
	}
	return tmp, func() {
		if err := h.deps.Avatars.Remove(tmp); err != nil {
			logging.Warn("Failed to remove temp avatar copy", logging.Fields{"path": tmp, "error": err.Error()})
		}
	}, nil
}

// upload performs one upload call with token.
func (h *AvatarHandler) upload(ctx context.Context, path, mimeType, token string) UploadResult {
	f, err := os.Open(path)
	if err != nil {
		return UploadRetry{Reason: err.Error()}
	}
	defer f.Close()

	if mimeType == "" {
		mimeType = storage.MimeType(path)
	}
	prof, err := h.deps.Remote.UploadAvatar(ctx, f, remote.AvatarUpload{
		FileName:  filepath.Base(path),
		MimeType:  mimeType,
		UpdatedAt: token,
	})
	if err == nil {
		return UploadSuccess{Profile: prof}
	}

	switch remote.Classify(err) {
	case remote.ClassSession:
		return UploadUnauthorized{}
	case remote.ClassPermanent, remote.ClassNotFound:
		return UploadPermanentFailure{Reason: err.Error()}
	case remote.ClassConflict:
		server, ferr := serverProfile(ctx, h.deps.Remote, err)
		if ferr != nil {
			if remote.Classify(ferr) == remote.ClassSession {
				return UploadUnauthorized{}
			}
			return UploadRetry{Reason: ferr.Error()}
		}
		return UploadConflict{Server: server}
	default:
		return UploadRetry{Reason: err.Error()}
	}
}

func (h *AvatarHandler) absorb(ctx context.Context, server *models.Profile) {
	if err := h.deps.Projection.AbsorbProfile(ctx, server, conflict.PartAvatar); err != nil {
		logging.Error("Failed to absorb server profile", err, nil)
	}
}

// discardSource removes the queued source file unless the projection or
// another queued upload still uses it. The item being handled is still
// queued and holds one reference. Files outside the private avatar
// directory are left alone.
func (h *AvatarHandler) discardSource(ctx context.Context, pl *payload.UploadAvatar) {
	h.deps.Projection.ReleaseAvatarFile(ctx, pl.Path, 1)
}
