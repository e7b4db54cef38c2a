package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/storage"
	"github.com/kimhsiao/matchbook/core/internal/sync/conflict"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote/fakeremote"
)

const (
	t0 = "2026-03-01T12:00:00.000Z"
	t1 = "2026-03-01T12:00:01.000Z"
	t2 = "2026-03-01T12:00:02.000Z"
)

type staticTokens string

func (s staticTokens) Token(context.Context) (string, error) { return string(s), nil }

type env struct {
	repo    *db.Repository
	fake    *fakeremote.Server
	avatars *storage.AvatarStore
	rec     *Reconciler
	url     string
}

func newEnv(t *testing.T, token string) *env {
	t.Helper()
	dir := t.TempDir()
	database, err := db.Open(dir)
	require.NoError(t, err)
	repo := db.NewRepository(database.DB, db.NewNotifier())
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	fake := fakeremote.New("secret", models.Profile{UserID: "me", Username: "me", DisplayName: "Server", UpdatedAt: t1})
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	avatars, err := storage.NewAvatarStore(filepath.Join(dir, "avatars"))
	require.NoError(t, err)

	client := remote.NewClient(srv.Client(), srv.URL, staticTokens(token))
	rec := New(repo, client, conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins), avatars)
	return &env{repo: repo, fake: fake, avatars: avatars, rec: rec, url: srv.URL}
}

func (e *env) etag(t *testing.T) string {
	t.Helper()
	v, _, err := e.repo.GetMetadata(context.Background(), models.MetaConnectionsETag)
	require.NoError(t, err)
	return v
}

// =====================================================
// Connections
// =====================================================

func TestRefreshConnections_ReplaceThenNotModified(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()
	e.fake.AddIncoming(models.Friend{UserID: "u2", Username: "alice"})

	require.NoError(t, e.rec.RefreshConnections(ctx))
	conns, err := e.repo.GetConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns.Incoming, 1)
	stored := e.etag(t)
	assert.NotEmpty(t, stored)

	// Drop the local row; a 304 must leave the projection as it is.
	require.NoError(t, e.repo.DeleteFriendRequest(ctx, conns.Incoming[0].ID, ""))
	require.NoError(t, e.rec.RefreshConnections(ctx))
	conns, err = e.repo.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns.Incoming)
	assert.Equal(t, stored, e.etag(t))

	// A server-side change produces a full replace and a new ETag.
	e.fake.AddIncoming(models.Friend{UserID: "u3", Username: "bob"})
	require.NoError(t, e.rec.RefreshConnections(ctx))
	conns, err = e.repo.GetConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns.Incoming, 2)
	assert.NotEqual(t, stored, e.etag(t))
}

func TestRefreshConnections_FallbackClearsETag(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()
	require.NoError(t, e.repo.SetMetadata(ctx, models.MetaConnectionsETag, `"old"`))
	e.fake.AddIncoming(models.Friend{UserID: "u2", Username: "alice"})
	e.fake.DisableConnectionsEndpoint()

	require.NoError(t, e.rec.RefreshConnections(ctx))

	conns, err := e.repo.GetConnections(ctx)
	require.NoError(t, err)
	assert.Len(t, conns.Incoming, 1)
	assert.Empty(t, e.etag(t))

	calls := e.fake.Calls()
	require.GreaterOrEqual(t, len(calls), 2)
	assert.Equal(t, "/v1/friends", calls[len(calls)-1].Path)
}

func TestRefreshConnections_KeepsUnacknowledgedOutgoing(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()

	require.NoError(t, e.repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "l1", Direction: models.DirectionOutgoing, Username: "carol",
		Status: models.RequestStatusPendingSync, UpdatedAt: t1,
	}))
	require.NoError(t, e.repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		ID: "stale", Direction: models.DirectionIncoming, Username: "gone", Status: models.RequestStatusPending,
	}))

	require.NoError(t, e.rec.RefreshConnections(ctx))

	conns, err := e.repo.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, conns.Incoming, "server snapshot replaces confirmed rows")
	require.Len(t, conns.Outgoing, 1)
	assert.Equal(t, models.UUID("l1"), conns.Outgoing[0].LocalID)
	assert.Equal(t, models.RequestStatusPendingSync, conns.Outgoing[0].Status)
}

func TestApplyConnections_AnsweredOutgoingNotDuplicated(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()
	require.NoError(t, e.repo.SetMetadata(ctx, models.MetaConnectionsETag, `"v9"`))
	require.NoError(t, e.repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "l1", Direction: models.DirectionOutgoing, Username: "carol",
		Status: models.RequestStatusPendingSync, UpdatedAt: t1,
	}))

	snapshot := models.Connections{Outgoing: []models.FriendRequest{
		{ID: "req-1", LocalID: "l1", Username: "carol", Status: models.RequestStatusPending},
	}}
	require.NoError(t, e.rec.ApplyConnections(ctx, snapshot))

	conns, err := e.repo.GetConnections(ctx)
	require.NoError(t, err)
	require.Len(t, conns.Outgoing, 1)
	assert.Equal(t, "req-1", conns.Outgoing[0].ID)
	assert.Equal(t, models.RequestStatusPending, conns.Outgoing[0].Status)
	assert.Empty(t, e.etag(t))
}

// =====================================================
// Profile
// =====================================================

func TestRefreshProfile_PendingNewerEditSurvives(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()
	require.NoError(t, e.repo.SaveProfile(ctx, &models.Profile{
		UserID: "me", DisplayName: "Local", UpdatedAt: t2, PendingSync: true,
	}))

	require.NoError(t, e.rec.RefreshProfile(ctx))

	p, err := e.repo.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Local", p.DisplayName)
	assert.True(t, p.PendingSync)
	assert.Equal(t, "me", p.Username)
}

func TestRefreshProfile_ServerOverwriteIsLogged(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()
	require.NoError(t, e.repo.SaveProfile(ctx, &models.Profile{
		UserID: "me", DisplayName: "Local", UpdatedAt: t0, PendingSync: true,
	}))

	require.NoError(t, e.rec.RefreshProfile(ctx))

	p, err := e.repo.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Server", p.DisplayName)
	assert.False(t, p.PendingSync)

	logs, err := e.repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, conflict.ResolutionRemoteWins, logs[0].Resolution)
}

func TestRefreshProfile_NewerRemoteAvatarDeletesLocalFile(t *testing.T) {
	e := newEnv(t, "secret")
	ctx := context.Background()

	src := filepath.Join(t.TempDir(), "mine.png")
	require.NoError(t, os.WriteFile(src, []byte("local avatar bytes"), 0644))
	path, err := e.avatars.Import(src)
	require.NoError(t, err)

	require.NoError(t, e.repo.SaveProfile(ctx, &models.Profile{
		UserID: "me", DisplayName: "Server", UpdatedAt: t1,
		AvatarPath: path, AvatarUpdatedAt: t1, PendingSync: true,
	}))
	server := e.fake.Profile()
	server.AvatarURL = "/avatars/elsewhere"
	server.AvatarUpdatedAt = t2
	e.fake.SetProfile(server)

	require.NoError(t, e.rec.RefreshProfile(ctx))

	p, err := e.repo.GetProfile(ctx)
	require.NoError(t, err)
	assert.Empty(t, p.AvatarPath)
	assert.Equal(t, t2, p.AvatarUpdatedAt)
	assert.NoFileExists(t, path)
	assert.FileExists(t, src)
}

// =====================================================
// Outcomes
// =====================================================

func TestReconcile_Success(t *testing.T) {
	e := newEnv(t, "secret")
	out := e.rec.Reconcile(context.Background())
	assert.Equal(t, StatusSuccess, out.Status)

	p, err := e.repo.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Server", p.DisplayName)
}

func TestReconcile_Unauthenticated(t *testing.T) {
	e := newEnv(t, "expired")
	out := e.rec.Reconcile(context.Background())
	assert.Equal(t, StatusUnauthenticated, out.Status)

	_, err := e.repo.GetProfile(context.Background())
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestReconcile_TransientFailureRetries(t *testing.T) {
	e := newEnv(t, "secret")
	e.fake.FailNext(http.MethodGet, "/v1/friends/connections", http.StatusServiceUnavailable, nil)

	out := e.rec.Reconcile(context.Background())
	assert.Equal(t, StatusRetry, out.Status)
	assert.Contains(t, out.Reason, "connections")
	assert.Equal(t, "retry", out.Status.String())
}
