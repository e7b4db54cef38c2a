// Package handlers turns queued mutations into remote calls.
//
// A handler never returns an error for an expected HTTP status. It maps the
// result to an Outcome that tells the engine what to do with the queue item:
//
//	400          -> Delete (permanent rejection)
//	401 / none   -> StopSuccess (signed out; keep the item)
//	404          -> handler specific, usually refresh + Delete
//	409          -> absorb the server's state + Delete
//	anything else -> Retry
//
// Handlers are idempotent under at-least-once delivery: every create carries
// a client idempotency key and a 409 "already applied" counts as success.
package handlers

import (
	"context"
	"errors"
	"io"

	"github.com/kimhsiao/matchbook/core/internal/db"
	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// Outcome is the result of handling one queue item.
type Outcome interface {
	outcome()
}

// Delete removes the item: it was applied, absorbed or can never succeed.
type Delete struct{}

// StopSuccess ends the run without failure and keeps the item; the session
// is gone and nothing else can be sent until the user signs in.
type StopSuccess struct{}

// Retry keeps the item at the head and ends the run with a retry.
type Retry struct {
	Reason string
}

func (Delete) outcome()      {}
func (StopSuccess) outcome() {}
func (Retry) outcome()       {}

// OutcomeName returns a short label for logs and metrics.
func OutcomeName(o Outcome) string {
	switch o.(type) {
	case Delete:
		return "delete"
	case StopSuccess:
		return "stop_success"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Handler processes one payload kind.
type Handler interface {
	Handle(ctx context.Context, p payload.Payload) Outcome
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, p payload.Payload) Outcome

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, p payload.Payload) Outcome {
	return f(ctx, p)
}

// Remote is the part of the remote client handlers call.
type Remote interface {
	GetProfile(ctx context.Context) (*models.Profile, error)
	UpdateDisplayName(ctx context.Context, name, updatedAt string) (*models.Profile, error)
	UploadAvatar(ctx context.Context, file io.Reader, meta remote.AvatarUpload) (*models.Profile, error)
	SendFriendRequest(ctx context.Context, req remote.SendFriendRequestRequest) (*models.FriendRequest, error)
	AcceptFriendRequest(ctx context.Context, id, updatedAt string) (*models.Friend, error)
	DeclineFriendRequest(ctx context.Context, id, updatedAt string) error
	CancelFriendRequest(ctx context.Context, id, updatedAt string) error
	CreateMatch(ctx context.Context, req remote.CreateMatchRequest) (*remote.MatchResponse, error)
}

// Projection applies server state to the local projection. It is
// implemented by the inbound reconciler so that handlers and the
// reconciler merge the same way.
type Projection interface {
	ApplyProfile(ctx context.Context, p *models.Profile) error
	AbsorbProfile(ctx context.Context, p *models.Profile, part conflict.ProfilePart) error
	RefreshConnections(ctx context.Context) error
	ApplyConnections(ctx context.Context, c models.Connections) error
	ReleaseAvatarFile(ctx context.Context, path string, held int)
}

// Deps are shared by all handlers.
type Deps struct {
	Repo       *db.Repository
	Remote     Remote
	Projection Projection
	Avatars    *storage.AvatarStore
}

// Registry maps payload kinds to handlers.
type Registry struct {
	handlers map[payload.Kind]Handler
}

// NewRegistry creates a registry with a handler for every payload kind.
func NewRegistry(deps Deps) *Registry {
	r := &Registry{handlers: make(map[payload.Kind]Handler)}

	r.Register(payload.KindUpdateDisplayName, &DisplayNameHandler{deps: deps})
	r.Register(payload.KindUploadAvatar, &AvatarHandler{deps: deps})

	friends := &FriendRequestHandler{deps: deps}
	r.Register(payload.KindSendFriendRequest, HandlerFunc(friends.Send))
	r.Register(payload.KindAcceptFriendRequest, HandlerFunc(friends.Accept))
	r.Register(payload.KindDeclineFriendRequest, HandlerFunc(friends.Decline))
	r.Register(payload.KindCancelFriendRequest, HandlerFunc(friends.Cancel))

	r.Register(payload.KindCreateMatch, &MatchHandler{deps: deps})
	return r
}

// Register sets the handler for kind, replacing any previous one.
func (r *Registry) Register(kind payload.Kind, h Handler) {
	r.handlers[kind] = h
}

// Lookup returns the handler for kind.
func (r *Registry) Lookup(kind payload.Kind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// =====================================================
// Shared helpers
// =====================================================

// fromError maps a remote error to the default outcome for its class.
func fromError(op string, err error) Outcome {
	class := remote.Classify(err)
	fields := logging.Fields{"op": op, "class": class.String(), "error": err.Error()}

	switch class {
	case remote.ClassSession:
		logging.Info("No session, stopping sync", fields)
		return StopSuccess{}
	case remote.ClassPermanent, remote.ClassNotFound, remote.ClassConflict:
		logging.Warn("Mutation rejected by server", fields)
		return Delete{}
	default:
		logging.Debug("Mutation failed, will retry", fields)
		return Retry{Reason: err.Error()}
	}
}

// recorded maps the result of writing an acknowledged mutation into the
// projection. A failed write keeps the item so the replay can record it;
// handlers tolerate replays. A row that no longer exists needs no write.
func recorded(op string, err error) Outcome {
	if err == nil || errors.Is(err, db.ErrNotFound) {
		return Delete{}
	}
	logging.Error("Failed to record acknowledged mutation", err, logging.Fields{"op": op})
	return Retry{Reason: err.Error()}
}

// wrongPayload is returned when a handler is registered for the wrong kind.
func wrongPayload(op string, p payload.Payload) Outcome {
	logging.ErrorWithCode("Handler received unexpected payload", string(apperrors.ErrPayload),
		errors.New("unexpected payload type"), logging.Fields{"op": op, "kind": kindOf(p)})
	return Delete{}
}

func kindOf(p payload.Payload) string {
	if p == nil {
		return "<nil>"
	}
	return p.Kind().String()
}

// serverProfile returns the canonical profile embedded in a conflict
// response, fetching it when the body carried none.
func serverProfile(ctx context.Context, rem Remote, err error) (*models.Profile, error) {
	if apiErr, ok := remote.AsAPIError(err); ok && apiErr.Profile != nil {
		return apiErr.Profile, nil
	}
	return rem.GetProfile(ctx)
}

// bumpToken moves the local token of part from "from" to "to" when the
// projection still holds the edit being resubmitted, so the server's answer
// is recognised as that edit.
func bumpToken(ctx context.Context, repo *db.Repository, part conflict.ProfilePart, from, to string) error {
	return repo.InTx(ctx, func(tx *db.Repository) error {
		p, err := tx.GetProfile(ctx)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch part {
		case conflict.PartDisplayName:
			if !conflict.SameInstant(p.UpdatedAt, from) {
				return nil
			}
			p.UpdatedAt = to
		case conflict.PartAvatar:
			if !conflict.SameInstant(p.AvatarUpdatedAt, from) {
				return nil
			}
			p.AvatarUpdatedAt = to
		}
		return tx.SaveProfile(ctx, p)
	})
}

// resubmitToken returns a token strictly after both the rejected token and
// the server's current one.
func resubmitToken(rejected, server string) (string, error) {
	last := rejected
	if conflict.IsNewer(server, rejected) {
		last = server
	}
	return conflict.AdvanceToken(rejected, last)
}
