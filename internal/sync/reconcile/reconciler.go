// Package reconcile pulls server-authoritative state into the local
// projection after the queue has been drained.
//
// The profile is merged with last-write-wins on its concurrency tokens.
// Connections are fetched conditionally with the stored ETag and, when
// changed, all three partitions are replaced together.
package reconcile

import (
	"context"
	"errors"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/metrics"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// Remote is the part of the remote client the reconciler reads from.
type Remote interface {
	GetProfile(ctx context.Context) (*models.Profile, error)
	GetConnections(ctx context.Context, etag string) (*remote.ConnectionsResult, error)
	ListFriends(ctx context.Context) (*models.Connections, error)
}

// Status is the result of a reconcile pass.
type Status int

const (
	StatusSuccess Status = iota
	StatusUnauthenticated
	StatusRetry
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUnauthenticated:
		return "unauthenticated"
	default:
		return "retry"
	}
}

// Outcome is returned by Reconcile. Reason is set for StatusRetry.
type Outcome struct {
	Status Status
	Reason string
}

// Reconciler applies server state to the projection.
type Reconciler struct {
	repo     *db.Repository
	remote   Remote
	resolver *conflict.Resolver
	avatars  *storage.AvatarStore
}

// New creates a Reconciler. avatars may be nil, in which case superseded
// avatar files are left on disk.
func New(repo *db.Repository, rem Remote, resolver *conflict.Resolver, avatars *storage.AvatarStore) *Reconciler {
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}
	return &Reconciler{repo: repo, remote: rem, resolver: resolver, avatars: avatars}
}

// Reconcile refreshes the profile and then the connections.
func (r *Reconciler) Reconcile(ctx context.Context) Outcome {
	if err := r.RefreshProfile(ctx); err != nil {
		return outcomeFor("profile", err)
	}
	if err := r.RefreshConnections(ctx); err != nil {
		return outcomeFor("connections", err)
	}
	return Outcome{Status: StatusSuccess}
}

func outcomeFor(step string, err error) Outcome {
	if remote.Classify(err) == remote.ClassSession {
		logging.Info("Reconcile stopped: no session", logging.Fields{"step": step})
		return Outcome{Status: StatusUnauthenticated}
	}
	logging.Warn("Reconcile failed", logging.Fields{"step": step, "error": err.Error()})
	return Outcome{Status: StatusRetry, Reason: step + ": " + err.Error()}
}

// =====================================================
// Profile
// =====================================================

// RefreshProfile fetches the profile and merges it into the projection.
func (r *Reconciler) RefreshProfile(ctx context.Context) error {
	p, err := r.remote.GetProfile(ctx)
	if err != nil {
		return err
	}
	return r.ApplyProfile(ctx, p)
}

// ApplyProfile merges a server profile with last-write-wins. Pending local
// edits with a strictly newer token survive.
func (r *Reconciler) ApplyProfile(ctx context.Context, p *models.Profile) error {
	return r.applyProfile(ctx, func(local *models.Profile) (*conflict.ProfileResult, error) {
		return r.resolver.ResolveProfile(local, p)
	})
}

// AbsorbProfile applies a server profile whose part overrides any pending
// local edit of that part.
func (r *Reconciler) AbsorbProfile(ctx context.Context, p *models.Profile, part conflict.ProfilePart) error {
	return r.applyProfile(ctx, func(local *models.Profile) (*conflict.ProfileResult, error) {
		return r.resolver.AbsorbProfile(local, p, part)
	})
}

func (r *Reconciler) applyProfile(ctx context.Context, merge func(*models.Profile) (*conflict.ProfileResult, error)) error {
	var result *conflict.ProfileResult
	err := r.repo.InTx(ctx, func(tx *db.Repository) error {
		local, err := tx.GetProfile(ctx)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		result, err = merge(local)
		if err != nil {
			return err
		}
		if err := tx.SaveProfile(ctx, result.Merged); err != nil {
			return err
		}
		for _, log := range result.ConflictLogs {
			if err := tx.CreateConflictLog(ctx, log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, log := range result.ConflictLogs {
		metrics.Conflicts.WithLabelValues(string(log.EntityType)).Inc()
	}
	r.ReleaseAvatarFile(ctx, result.StaleAvatarPath, 0)
	return nil
}

// ReleaseAvatarFile deletes a superseded avatar file unless it is still in
// use. Stored files are content addressed, so one file can back the
// projection and several queued uploads at once. held is the number of
// queued uploads of path owned by the caller; only references beyond those
// keep the file. Files outside the private avatar directory are never
// touched.
func (r *Reconciler) ReleaseAvatarFile(ctx context.Context, path string, held int) {
	if path == "" || r.avatars == nil {
		return
	}
	inUse, err := r.avatarInUse(ctx, path, held)
	if err != nil {
		logging.Warn("Keeping avatar file, could not check references", logging.Fields{"path": path, "error": err.Error()})
		return
	}
	if inUse {
		logging.Debug("Avatar file still referenced, keeping", logging.Fields{"path": path})
		return
	}
	err = r.avatars.Remove(path)
	switch {
	case err == nil:
		logging.Debug("Removed superseded avatar file", logging.Fields{"path": path})
	case errors.Is(err, storage.ErrOutsideStore):
		logging.Debug("Kept avatar file outside the store", logging.Fields{"path": path})
	default:
		logging.Warn("Failed to remove avatar file", logging.Fields{"path": path, "error": err.Error()})
	}
}

func (r *Reconciler) avatarInUse(ctx context.Context, path string, held int) (bool, error) {
	p, err := r.repo.GetProfile(ctx)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return false, err
	}
	if p != nil && p.AvatarPath == path {
		return true, nil
	}
	items, err := r.repo.ListQueue(ctx, 0)
	if err != nil {
		return false, err
	}
	return payload.AvatarReferences(items)[path] > held, nil
}

// =====================================================
// Connections
// =====================================================

// RefreshConnections fetches connections conditionally. A 304 leaves the
// projection alone; a 200 replaces it and stores the new ETag. Servers
// without the conditional endpoint are read through the older listing.
func (r *Reconciler) RefreshConnections(ctx context.Context) error {
	etag, _, err := r.repo.GetMetadata(ctx, models.MetaConnectionsETag)
	if err != nil {
		return err
	}

	res, err := r.remote.GetConnections(ctx, etag)
	if err != nil {
		if remote.Classify(err) != remote.ClassNotFound {
			return err
		}
		conns, err := r.remote.ListFriends(ctx)
		if err != nil {
			return err
		}
		metrics.ConnectionsFetch.WithLabelValues("fallback").Inc()
		return r.replace(ctx, *conns, "")
	}

	if res.NotModified {
		metrics.ConnectionsFetch.WithLabelValues("not_modified").Inc()
		logging.Debug("Connections not modified", logging.Fields{"etag": etag})
		return nil
	}
	metrics.ConnectionsFetch.WithLabelValues("replaced").Inc()
	return r.replace(ctx, res.Connections, res.ETag)
}

// ApplyConnections replaces the projection with a snapshot embedded in a
// response body. The stored ETag is cleared since it no longer describes
// the local generation.
func (r *Reconciler) ApplyConnections(ctx context.Context, c models.Connections) error {
	return r.replace(ctx, c, "")
}

func (r *Reconciler) replace(ctx context.Context, c models.Connections, etag string) error {
	return r.repo.InTx(ctx, func(tx *db.Repository) error {
		// Outgoing requests the server has not acknowledged yet are still
		// queued; keep them unless the snapshot already answers them.
		pending, err := unacknowledged(ctx, tx, c.Outgoing)
		if err != nil {
			return err
		}
		if err := tx.ReplaceConnections(ctx, c); err != nil {
			return err
		}
		for i := range pending {
			if err := tx.UpsertFriendRequest(ctx, &pending[i]); err != nil {
				return err
			}
		}

		if etag == "" {
			return tx.DeleteMetadata(ctx, models.MetaConnectionsETag)
		}
		return tx.SetMetadata(ctx, models.MetaConnectionsETag, etag)
	})
}

func unacknowledged(ctx context.Context, tx *db.Repository, snapshot []models.FriendRequest) ([]models.FriendRequest, error) {
	outgoing, err := tx.ListFriendRequests(ctx, models.DirectionOutgoing)
	if err != nil {
		return nil, err
	}
	answered := make(map[models.UUID]bool, len(snapshot))
	for _, req := range snapshot {
		if req.LocalID != "" {
			answered[req.LocalID] = true
		}
	}

	var keep []models.FriendRequest
	for _, req := range outgoing {
		if req.Status == models.RequestStatusPendingSync && !answered[req.LocalID] {
			keep = append(keep, req)
		}
	}
	return keep, nil
}
