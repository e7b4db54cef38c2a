package handlers

import (
	"context"
	"errors"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// MatchHandler submits recorded matches. The client match id makes the
// create idempotent: a 409 carrying the canonical id means an earlier
// attempt already landed.
type MatchHandler struct {
	deps Deps
}

// Handle implements Handler.
func (h *MatchHandler) Handle(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.CreateMatch)
	if !ok {
		return wrongPayload("create_match", p)
	}

	resp, err := h.deps.Remote.CreateMatch(ctx, remote.CreateMatchRequest{
		ClientMatchID: pl.ClientMatchID,
		Format:        pl.Format,
		Players:       pl.Players,
		WinnerUserID:  pl.WinnerUserID,
		StartedAt:     pl.StartedAt,
		EndedAt:       pl.EndedAt,
		Notes:         pl.Notes,
		UpdatedAt:     pl.UpdatedAt,
	})
	if err == nil {
		updatedAt := resp.UpdatedAt
		if updatedAt == "" {
			updatedAt = pl.UpdatedAt
		}
		return h.markSynced(ctx, pl.ClientMatchID, resp.MatchID, updatedAt)
	}

	switch remote.Classify(err) {
	case remote.ClassConflict:
		apiErr, _ := remote.AsAPIError(err)
		if apiErr == nil || apiErr.MatchID == "" {
			logging.Warn("Duplicate match reported without an id",
				logging.Fields{"client_match_id": pl.ClientMatchID})
			return h.markSynced(ctx, pl.ClientMatchID, "", "")
		}
		logging.Info("Match already stored on server",
			logging.Fields{"client_match_id": pl.ClientMatchID, "match_id": apiErr.MatchID})
		return h.markSynced(ctx, pl.ClientMatchID, apiErr.MatchID, "")

	case remote.ClassPermanent, remote.ClassNotFound:
		if ferr := h.deps.Repo.MarkMatchFailed(ctx, pl.ClientMatchID); ferr != nil {
			h.logMissing(ferr, pl.ClientMatchID)
			if !errors.Is(ferr, db.ErrNotFound) {
				return recorded("create_match", ferr)
			}
		}
		return fromError("create_match", err)

	default:
		return fromError("create_match", err)
	}
}

func (h *MatchHandler) markSynced(ctx context.Context, id models.UUID, serverID, updatedAt string) Outcome {
	err := h.deps.Repo.MarkMatchSynced(ctx, id, serverID, updatedAt)
	if err != nil {
		h.logMissing(err, id)
	}
	return recorded("create_match", err)
}

func (h *MatchHandler) logMissing(err error, id models.UUID) {
	if errors.Is(err, db.ErrNotFound) {
		logging.Debug("Match no longer in projection", logging.Fields{"client_match_id": id})
	}
}
