package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
)

const (
	// MaxDisplayNameLength is the longest display name accepted, in runes.
	MaxDisplayNameLength = 64
	// MaxAvatarSide bounds the stored avatar's width and height in pixels.
	MaxAvatarSide = 512
)

// ProfileService edits the signed-in user's profile.
type ProfileService struct {
	base
	avatars *storage.AvatarStore
}

// NewProfileService creates a ProfileService. trigger may be nil.
func NewProfileService(repo *db.Repository, avatars *storage.AvatarStore, trigger Trigger) *ProfileService {
	return &ProfileService{base: newBase(repo, trigger), avatars: avatars}
}

// Get returns the projected profile.
func (s *ProfileService) Get(ctx context.Context) (*models.Profile, error) {
	p, err := s.repo.GetProfile(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFound("no profile has been synced yet")
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read profile", err)
	}
	return p, nil
}

// SetDisplayName changes the display name locally and queues the edit.
func (s *ProfileService) SetDisplayName(ctx context.Context, name string) (*models.Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validation("display name must not be empty")
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		return nil, validation("display name is too long")
	}

	var saved *models.Profile
	err := s.enqueue(ctx, func(tx *db.Repository) error {
		p, err := current(ctx, tx)
		if err != nil {
			return err
		}
		p.DisplayName = name
		p.UpdatedAt = conflict.NextToken(s.now(), p.UpdatedAt)
		p.PendingSync = true
		saved = p
		return tx.SaveProfile(ctx, p)
	}, func() payload.Payload {
		return &payload.UpdateDisplayName{DisplayName: name, UpdatedAt: saved.UpdatedAt}
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Display name change queued", logging.Fields{"updated_at": saved.UpdatedAt})
	return saved, nil
}

// SetAvatar copies src into the private avatar directory, shows it locally
// and queues the upload. The previous avatar file is removed unless a
// queued upload still needs it.
func (s *ProfileService) SetAvatar(ctx context.Context, src string) (*models.Profile, error) {
	if s.avatars == nil {
		return nil, apperrors.New(apperrors.ErrConfig, "no avatar directory configured")
	}
	path, err := s.avatars.Import(src)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to import avatar", err)
	}
	mime := storage.MimeType(path)
	if !strings.HasPrefix(mime, "image/") {
		s.discard(path)
		return nil, validation("avatar must be an image, got " + mime)
	}
	if path, err = s.avatars.Fit(path, MaxAvatarSide); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to resize avatar", err)
	}

	var saved *models.Profile
	var previous string
	var stillQueued map[string]int
	err = s.enqueue(ctx, func(tx *db.Repository) error {
		p, err := current(ctx, tx)
		if err != nil {
			return err
		}
		previous = p.AvatarPath
		if stillQueued, err = queuedAvatarPaths(ctx, tx); err != nil {
			return err
		}
		p.AvatarPath = path
		p.AvatarUpdatedAt = conflict.NextToken(s.now(), p.AvatarUpdatedAt)
		p.PendingSync = true
		saved = p
		return tx.SaveProfile(ctx, p)
	}, func() payload.Payload {
		return &payload.UploadAvatar{
			Source:    payload.AvatarSourceLocal,
			Path:      path,
			MimeType:  mime,
			UpdatedAt: saved.AvatarUpdatedAt,
		}
	})
	if err != nil {
		return nil, err
	}

	if previous != "" && previous != path && stillQueued[previous] == 0 {
		s.discard(previous)
	}
	logging.Info("Avatar change queued", logging.Fields{"path": path, "avatar_updated_at": saved.AvatarUpdatedAt})
	return saved, nil
}

func (s *ProfileService) discard(path string) {
	if err := s.avatars.Remove(path); err != nil && !errors.Is(err, storage.ErrOutsideStore) {
		logging.Warn("Failed to remove avatar file", logging.Fields{"path": path, "error": err.Error()})
	}
}

// current returns the projected profile, or an empty one before the first
// sync.
func current(ctx context.Context, tx *db.Repository) (*models.Profile, error) {
	p, err := tx.GetProfile(ctx)
	if errors.Is(err, db.ErrNotFound) {
		return &models.Profile{}, nil
	}
	return p, err
}

// queuedAvatarPaths returns the files referenced by queued avatar uploads.
func queuedAvatarPaths(ctx context.Context, tx *db.Repository) (map[string]int, error) {
	items, err := tx.ListQueue(ctx, 0)
	if err != nil {
		return nil, err
	}
	return payload.AvatarReferences(items), nil
}
