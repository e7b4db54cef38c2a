package handlers

import (
	"context"
	"errors"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// FriendRequestHandler sends friend request actions. A 404 or 409 means the
// local view of the request is out of date, so the connections are
// refreshed (from the 409 body when it carries them) and the item dropped.
type FriendRequestHandler struct {
	deps Deps
}

// Send creates an outgoing request, deduplicated by its client request id.
func (h *FriendRequestHandler) Send(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.SendFriendRequest)
	if !ok {
		return wrongPayload("send_friend_request", p)
	}

	req, err := h.deps.Remote.SendFriendRequest(ctx, remote.SendFriendRequestRequest{
		Username:        pl.Username,
		ClientRequestID: pl.LocalID,
		UpdatedAt:       pl.UpdatedAt,
	})
	if err == nil {
		if req.LocalID == "" {
			req.LocalID = pl.LocalID
		}
		return recorded("send_friend_request", h.deps.Repo.UpsertFriendRequest(ctx, req))
	}

	switch remote.Classify(err) {
	case remote.ClassSession, remote.ClassTransient:
		return fromError("send_friend_request", err)
	}

	// The optimistic row will not be acknowledged as sent. Drop it before
	// the refresh so a server row for the same request is not doubled.
	if derr := h.deps.Repo.DeleteFriendRequest(ctx, "", pl.LocalID); derr != nil {
		logging.Error("Failed to drop optimistic friend request", derr,
			logging.Fields{"client_request_id": pl.LocalID})
	}
	return h.resync(ctx, "send_friend_request", err)
}

// Accept accepts an incoming request and stores the new friend.
func (h *FriendRequestHandler) Accept(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.AcceptFriendRequest)
	if !ok {
		return wrongPayload("accept_friend_request", p)
	}
	id, out := h.serverID(ctx, "accept_friend_request", pl.RequestRef)
	if out != nil {
		return out
	}

	friend, err := h.deps.Remote.AcceptFriendRequest(ctx, id, pl.UpdatedAt)
	if err != nil {
		return h.failed(ctx, "accept_friend_request", err)
	}

	err = h.deps.Repo.InTx(ctx, func(tx *db.Repository) error {
		if err := tx.DeleteFriendRequest(ctx, id, pl.LocalID); err != nil {
			return err
		}
		if friend.UserID == "" {
			return nil
		}
		return tx.UpsertFriend(ctx, friend)
	})
	return recorded("accept_friend_request", err)
}

// Decline declines an incoming request.
func (h *FriendRequestHandler) Decline(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.DeclineFriendRequest)
	if !ok {
		return wrongPayload("decline_friend_request", p)
	}
	return h.remove(ctx, "decline_friend_request", pl.RequestRef, h.deps.Remote.DeclineFriendRequest)
}

// Cancel withdraws an outgoing request.
func (h *FriendRequestHandler) Cancel(ctx context.Context, p payload.Payload) Outcome {
	pl, ok := p.(*payload.CancelFriendRequest)
	if !ok {
		return wrongPayload("cancel_friend_request", p)
	}
	return h.remove(ctx, "cancel_friend_request", pl.RequestRef, h.deps.Remote.CancelFriendRequest)
}

func (h *FriendRequestHandler) remove(ctx context.Context, op string, ref payload.RequestRef,
	call func(ctx context.Context, id, updatedAt string) error) Outcome {
	id, out := h.serverID(ctx, op, ref)
	if out != nil {
		return out
	}
	if err := call(ctx, id, ref.UpdatedAt); err != nil {
		return h.failed(ctx, op, err)
	}
	return recorded(op, h.deps.Repo.DeleteFriendRequest(ctx, id, ref.LocalID))
}

// serverID resolves a request reference to the server id. A request known
// only by its local id is looked up in the projection; if it never got a
// server id there is nothing to act on.
func (h *FriendRequestHandler) serverID(ctx context.Context, op string, ref payload.RequestRef) (string, Outcome) {
	if ref.RequestID != "" {
		return ref.RequestID, nil
	}
	req, err := h.deps.Repo.GetFriendRequestByLocalID(ctx, ref.LocalID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return "", Retry{Reason: err.Error()}
	}
	if req == nil || req.ID == "" {
		logging.Warn("Friend request has no server id, dropping action",
			logging.Fields{"op": op, "client_request_id": ref.LocalID})
		h.refresh(ctx, op)
		return "", Delete{}
	}
	return req.ID, nil
}

func (h *FriendRequestHandler) failed(ctx context.Context, op string, err error) Outcome {
	switch remote.Classify(err) {
	case remote.ClassSession, remote.ClassTransient:
		return fromError(op, err)
	}
	return h.resync(ctx, op, err)
}

// resync brings connections up to date after a rejected action and drops
// the item. The 409 body's snapshot is used when present.
func (h *FriendRequestHandler) resync(ctx context.Context, op string, err error) Outcome {
	if apiErr, ok := remote.AsAPIError(err); ok && apiErr.Connections != nil {
		if aerr := h.deps.Projection.ApplyConnections(ctx, *apiErr.Connections); aerr != nil {
			logging.Error("Failed to apply connections from response", aerr, logging.Fields{"op": op})
		}
		return fromError(op, err)
	}
	h.refresh(ctx, op)
	return fromError(op, err)
}

func (h *FriendRequestHandler) refresh(ctx context.Context, op string) {
	if err := h.deps.Projection.RefreshConnections(ctx); err != nil {
		logging.Warn("Connections refresh failed", logging.Fields{"op": op, "error": err.Error()})
	}
}
