package services

import (
	"context"
	"errors"
	"strings"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/uuid"
)

// FriendService manages friend requests.
type FriendService struct {
	base
}

// NewFriendService creates a FriendService. trigger may be nil.
func NewFriendService(repo *db.Repository, trigger Trigger) *FriendService {
	return &FriendService{base: newBase(repo, trigger)}
}

// Connections returns all three partitions of the friends projection.
func (s *FriendService) Connections(ctx context.Context) (*models.Connections, error) {
	c, err := s.repo.GetConnections(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read connections", err)
	}
	return c, nil
}

// SendRequest shows an outgoing request immediately and queues it. The
// request's local id doubles as the idempotency key.
func (s *FriendService) SendRequest(ctx context.Context, username string) (*models.FriendRequest, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, validation("username must not be empty")
	}

	now := s.now()
	req := &models.FriendRequest{
		LocalID:   uuid.NewKey(),
		Direction: models.DirectionOutgoing,
		Username:  username,
		Status:    models.RequestStatusPendingSync,
		CreatedAt: models.FormatTimestamp(now),
		UpdatedAt: conflict.NextToken(now, ""),
	}

	err := s.enqueue(ctx, func(tx *db.Repository) error {
		if err := ensureUnrelated(ctx, tx, username); err != nil {
			return err
		}
		return tx.UpsertFriendRequest(ctx, req)
	}, func() payload.Payload {
		return &payload.SendFriendRequest{LocalID: req.LocalID, Username: username, UpdatedAt: req.UpdatedAt}
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Friend request queued", logging.Fields{"client_request_id": req.LocalID})
	return req, nil
}

// Accept accepts an incoming request; the sender shows as a friend at once.
func (s *FriendService) Accept(ctx context.Context, ref string) error {
	return s.answer(ctx, ref, models.DirectionIncoming, func(tx *db.Repository, req *models.FriendRequest, token string) (payload.Payload, error) {
		if req.UserID != "" {
			err := tx.UpsertFriend(ctx, &models.Friend{
				UserID: req.UserID, Username: req.Username, DisplayName: req.DisplayName, UpdatedAt: token,
			})
			if err != nil {
				return nil, err
			}
		}
		return &payload.AcceptFriendRequest{RequestRef: refFor(req, token)}, nil
	})
}

// Decline declines an incoming request.
func (s *FriendService) Decline(ctx context.Context, ref string) error {
	return s.answer(ctx, ref, models.DirectionIncoming, func(_ *db.Repository, req *models.FriendRequest, token string) (payload.Payload, error) {
		return &payload.DeclineFriendRequest{RequestRef: refFor(req, token)}, nil
	})
}

// Cancel withdraws an outgoing request, including one not yet sent.
func (s *FriendService) Cancel(ctx context.Context, ref string) error {
	return s.answer(ctx, ref, models.DirectionOutgoing, func(_ *db.Repository, req *models.FriendRequest, token string) (payload.Payload, error) {
		return &payload.CancelFriendRequest{RequestRef: refFor(req, token)}, nil
	})
}

// answer removes the request from the projection, applies extra, and queues
// the mutation extra returns. ref is a server id or a local id.
func (s *FriendService) answer(ctx context.Context, ref string, dir models.RequestDirection,
	extra func(tx *db.Repository, req *models.FriendRequest, token string) (payload.Payload, error)) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return validation("request id must not be empty")
	}

	var p payload.Payload
	err := s.enqueue(ctx, func(tx *db.Repository) error {
		req, err := findRequest(ctx, tx, ref)
		if err != nil {
			return err
		}
		if req.Direction != dir {
			return validation("request " + ref + " is " + string(req.Direction))
		}
		token := conflict.NextToken(s.now(), req.UpdatedAt)
		if err := tx.DeleteFriendRequest(ctx, req.ID, req.LocalID); err != nil {
			return err
		}
		p, err = extra(tx, req, token)
		return err
	}, func() payload.Payload { return p })
	if err != nil {
		return err
	}

	logging.Info("Friend request answer queued", logging.Fields{"ref": ref, "kind": p.Kind().String()})
	return nil
}

func findRequest(ctx context.Context, tx *db.Repository, ref string) (*models.FriendRequest, error) {
	req, err := tx.GetFriendRequest(ctx, ref)
	if errors.Is(err, db.ErrNotFound) {
		req, err = tx.GetFriendRequestByLocalID(ctx, models.UUID(ref))
	}
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFound("no friend request " + ref)
	}
	return req, err
}

func refFor(req *models.FriendRequest, token string) payload.RequestRef {
	return payload.RequestRef{RequestID: req.ID, LocalID: req.LocalID, UpdatedAt: token}
}

// ensureUnrelated rejects a request to someone already connected locally.
func ensureUnrelated(ctx context.Context, tx *db.Repository, username string) error {
	c, err := tx.GetConnections(ctx)
	if err != nil {
		return err
	}
	for _, f := range c.Friends {
		if strings.EqualFold(f.Username, username) {
			return validation(username + " is already a friend")
		}
	}
	for _, r := range append(c.Incoming, c.Outgoing...) {
		if strings.EqualFold(r.Username, username) {
			return validation("a request with " + username + " is already open")
		}
	}
	return nil
}
