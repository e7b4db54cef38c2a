package services

import (
	"context"
	"errors"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/uuid"
)

// MatchInput is a finished game as entered by the user.
type MatchInput struct {
	Format       string
	Players      []models.MatchPlayer
	WinnerUserID string
	StartedAt    string
	EndedAt      string
	Notes        string
}

// MatchService records match results.
type MatchService struct {
	base
}

// NewMatchService creates a MatchService. trigger may be nil.
func NewMatchService(repo *db.Repository, trigger Trigger) *MatchService {
	return &MatchService{base: newBase(repo, trigger)}
}

// Record stores a match locally and queues it. The client match id is
// generated here, once, and reused by every submission.
func (s *MatchService) Record(ctx context.Context, in MatchInput) (*models.Match, error) {
	if len(in.Players) == 0 {
		return nil, validation("a match needs at least one player")
	}
	for _, p := range in.Players {
		if p.Name == "" && p.UserID == "" {
			return nil, validation("every player needs a name or user id")
		}
	}
	for _, ts := range []string{in.StartedAt, in.EndedAt} {
		if _, err := models.ParseTimestamp(ts); err != nil {
			return nil, validation(err.Error())
		}
	}

	now := s.now()
	m := &models.Match{
		ClientMatchID: uuid.NewKey(),
		Format:        in.Format,
		Players:       in.Players,
		WinnerUserID:  in.WinnerUserID,
		StartedAt:     in.StartedAt,
		EndedAt:       in.EndedAt,
		Notes:         in.Notes,
		Status:        models.MatchStatusPendingSync,
		UpdatedAt:     conflict.NextToken(now, ""),
	}
	if m.EndedAt == "" {
		m.EndedAt = models.FormatTimestamp(now)
	}

	err := s.enqueue(ctx, func(tx *db.Repository) error {
		return tx.InsertMatch(ctx, m)
	}, func() payload.Payload {
		return &payload.CreateMatch{
			ClientMatchID: m.ClientMatchID,
			Format:        m.Format,
			Players:       m.Players,
			WinnerUserID:  m.WinnerUserID,
			StartedAt:     m.StartedAt,
			EndedAt:       m.EndedAt,
			Notes:         m.Notes,
			UpdatedAt:     m.UpdatedAt,
		}
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Match queued", logging.Fields{"client_match_id": m.ClientMatchID, "players": len(m.Players)})
	return m, nil
}

// Get returns a match by its client id.
func (s *MatchService) Get(ctx context.Context, id models.UUID) (*models.Match, error) {
	m, err := s.repo.GetMatch(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFound("no match " + string(id))
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read match", err)
	}
	return m, nil
}

// List returns the most recent matches first.
func (s *MatchService) List(ctx context.Context, limit int) ([]*models.Match, error) {
	ms, err := s.repo.ListMatches(ctx, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list matches", err)
	}
	return ms, nil
}
