// Package db provides unit tests for repository operations.
package db

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/matchbook/core/internal/models"
)

// setupTestRepo opens a migrated database in a temp directory.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	repo := NewRepository(db.DB, nil)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

func queueItem(entity models.EntityType, action models.Action, payload string) *models.QueueItem {
	return &models.QueueItem{EntityType: entity, Action: action, Payload: json.RawMessage(payload)}
}

// =====================================================
// Queue Tests
// =====================================================

func TestEnqueue_AssignsIDAndTimestamp(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	item := queueItem(models.EntityMatch, models.ActionCreate, `{"client_match_id":"m1"}`)
	require.NoError(t, repo.Enqueue(ctx, item))

	assert.NotZero(t, item.ID)
	assert.NotZero(t, item.CreatedAt)

	got, err := repo.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.EntityType, got.EntityType)
	assert.Equal(t, item.Action, got.Action)
	assert.JSONEq(t, `{"client_match_id":"m1"}`, string(got.Payload))
	assert.Equal(t, 0, got.AttemptCount)
}

func TestEnqueue_RejectsIncompleteItems(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	assert.Error(t, repo.Enqueue(ctx, queueItem("", models.ActionCreate, `{}`)))
	assert.Error(t, repo.Enqueue(ctx, queueItem(models.EntityMatch, models.ActionCreate, ``)))
}

func TestEnqueue_TimestampsStrictlyIncreaseWhenClockRegresses(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return clock })

	first := queueItem(models.EntityProfile, models.ActionUpdateDisplayName, `{}`)
	require.NoError(t, repo.Enqueue(ctx, first))

	// Same instant, then a clock that jumped backwards.
	second := queueItem(models.EntityProfile, models.ActionUpdateDisplayName, `{}`)
	require.NoError(t, repo.Enqueue(ctx, second))
	clock = clock.Add(-time.Hour)
	third := queueItem(models.EntityProfile, models.ActionUpdateDisplayName, `{}`)
	require.NoError(t, repo.Enqueue(ctx, third))

	assert.Less(t, first.CreatedAt, second.CreatedAt)
	assert.Less(t, second.CreatedAt, third.CreatedAt)
}

func TestPeekOldest_EmptyQueue(t *testing.T) {
	repo := setupTestRepo(t)
	item, err := repo.PeekOldest(context.Background())
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestPeekOldest_DoesNotRemove(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, queueItem(models.EntityMatch, models.ActionCreate, `{}`)))

	a, err := repo.PeekOldest(ctx)
	require.NoError(t, err)
	b, err := repo.PeekOldest(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)

	n, err := repo.CountQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestPeekOldest_FIFOUnderInterleavedDeletes checks that the head is always
// the smallest created_at still present.
func TestPeekOldest_FIFOUnderInterleavedDeletes(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	present := map[int64]int64{} // id -> created_at
	for step := 0; step < 200; step++ {
		if len(present) == 0 || rng.Intn(3) != 0 {
			item := queueItem(models.EntityMatch, models.ActionCreate, `{}`)
			require.NoError(t, repo.Enqueue(ctx, item))
			present[item.ID] = item.CreatedAt
		} else {
			// Delete a random present item, not necessarily the head.
			ids := make([]int64, 0, len(present))
			for id := range present {
				ids = append(ids, id)
			}
			victim := ids[rng.Intn(len(ids))]
			require.NoError(t, repo.DeleteQueueItem(ctx, victim))
			delete(present, victim)
		}

		head, err := repo.PeekOldest(ctx)
		require.NoError(t, err)
		if len(present) == 0 {
			assert.Nil(t, head)
			continue
		}
		require.NotNil(t, head)
		for _, createdAt := range present {
			assert.LessOrEqual(t, head.CreatedAt, createdAt)
		}
	}
}

func TestIncrementAttempt(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	item := queueItem(models.EntityAvatar, models.ActionUploadAvatar, `{}`)
	require.NoError(t, repo.Enqueue(ctx, item))

	require.NoError(t, repo.IncrementAttempt(ctx, item.ID, "timeout"))
	require.NoError(t, repo.IncrementAttempt(ctx, item.ID, "503"))

	got, err := repo.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AttemptCount)
	assert.Equal(t, "503", got.LastError)
	assert.Equal(t, item.CreatedAt, got.CreatedAt, "attempt bookkeeping must not reorder")

	assert.True(t, errors.Is(repo.IncrementAttempt(ctx, 9999, "x"), ErrNotFound))
}

func TestDeleteQueueItem_Idempotent(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	item := queueItem(models.EntityMatch, models.ActionCreate, `{}`)
	require.NoError(t, repo.Enqueue(ctx, item))
	require.NoError(t, repo.DeleteQueueItem(ctx, item.ID))
	require.NoError(t, repo.DeleteQueueItem(ctx, item.ID))

	_, err := repo.GetQueueItem(ctx, item.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListQueue_FIFOOrder(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 4; i++ {
		item := queueItem(models.EntityMatch, models.ActionCreate, `{}`)
		require.NoError(t, repo.Enqueue(ctx, item))
		ids = append(ids, item.ID)
	}

	items, err := repo.ListQueue(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 4)
	for i, item := range items {
		assert.Equal(t, ids[i], item.ID)
	}

	limited, err := repo.ListQueue(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

// =====================================================
// Transaction and Notification Tests
// =====================================================

func TestInTx_RollbackDiscardsWritesAndNotifications(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	ch, cancel := repo.Notifier().Subscribe(TopicQueue)
	defer cancel()

	boom := errors.New("boom")
	err := repo.InTx(ctx, func(tx *Repository) error {
		require.NoError(t, tx.Enqueue(ctx, queueItem(models.EntityMatch, models.ActionCreate, `{}`)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	n, err := repo.CountQueue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	select {
	case <-ch:
		t.Fatal("unexpected notification for rolled back transaction")
	default:
	}
}

func TestInTx_CommitNotifiesOnce(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	ch, cancel := repo.Notifier().Subscribe(TopicProfile)
	defer cancel()

	require.NoError(t, repo.InTx(ctx, func(tx *Repository) error {
		if err := tx.SaveProfile(ctx, &models.Profile{UserID: "u1", DisplayName: "a"}); err != nil {
			return err
		}
		return tx.SaveProfile(ctx, &models.Profile{UserID: "u1", DisplayName: "b"})
	}))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("expected a profile notification")
	}
	select {
	case <-ch:
		t.Fatal("notifications should be coalesced")
	default:
	}
}

// =====================================================
// Profile Tests
// =====================================================

func TestProfile_SaveAndGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, err := repo.GetProfile(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	p := &models.Profile{
		UserID:          "u1",
		Username:        "bob",
		DisplayName:     "Bob",
		UpdatedAt:       "2026-03-01T12:00:00.000Z",
		AvatarUpdatedAt: "2026-03-01T12:00:00.000Z",
		PendingSync:     true,
	}
	require.NoError(t, repo.SaveProfile(ctx, p))

	got, err := repo.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, p, got)

	p.DisplayName = "Robert"
	p.PendingSync = false
	require.NoError(t, repo.SaveProfile(ctx, p))
	got, err = repo.GetProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Robert", got.DisplayName)
	assert.False(t, got.PendingSync)
}

// =====================================================
// Connections Tests
// =====================================================

func TestReplaceConnections_ReplacesAllPartitions(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "local-1", Direction: models.DirectionOutgoing, Username: "alice",
		Status: models.RequestStatusPendingSync,
	}))
	require.NoError(t, repo.UpsertFriend(ctx, &models.Friend{UserID: "u-old", Username: "old"}))

	next := models.Connections{
		Friends:  []models.Friend{{UserID: "u-carol", Username: "carol"}},
		Incoming: []models.FriendRequest{{ID: "r-in", UserID: "u-dave", Username: "dave"}},
		Outgoing: []models.FriendRequest{{ID: "r-out", LocalID: "local-1", UserID: "u-alice", Username: "alice"}},
	}
	require.NoError(t, repo.ReplaceConnections(ctx, next))

	got, err := repo.GetConnections(ctx)
	require.NoError(t, err)
	require.Len(t, got.Friends, 1)
	assert.Equal(t, "carol", got.Friends[0].Username)
	require.Len(t, got.Incoming, 1)
	assert.Equal(t, models.DirectionIncoming, got.Incoming[0].Direction)
	assert.Equal(t, models.RequestStatusPending, got.Incoming[0].Status)
	require.Len(t, got.Outgoing, 1)
	assert.Equal(t, "r-out", got.Outgoing[0].ID)
	assert.Equal(t, "alice", got.Outgoing[0].Username)
}

func TestReplaceConnections_EmptyClearsEverything(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertFriend(ctx, &models.Friend{UserID: "u1", Username: "one"}))
	require.NoError(t, repo.ReplaceConnections(ctx, models.Connections{}))

	got, err := repo.GetConnections(ctx)
	require.NoError(t, err)
	assert.Empty(t, got.Friends)
	assert.Empty(t, got.Incoming)
	assert.Empty(t, got.Outgoing)
}

func TestUpsertFriendRequest_AcknowledgementReplacesOptimisticRow(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "local-1", Direction: models.DirectionOutgoing, Username: "alice",
		Status: models.RequestStatusPendingSync,
	}))
	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		ID: "r1", LocalID: "local-1", Direction: models.DirectionOutgoing, UserID: "u-alice",
		Username: "alice", Status: models.RequestStatusPending,
	}))

	out, err := repo.ListFriendRequests(ctx, models.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
	assert.Equal(t, models.RequestStatusPending, out[0].Status)

	byID, err := repo.GetFriendRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.UUID("local-1"), byID.LocalID)
}

func TestUpsertFriendRequest_AcknowledgementMergesRefreshedRow(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "local-1", Direction: models.DirectionOutgoing, Username: "alice",
		Status: models.RequestStatusPendingSync,
	}))
	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		ID: "r1", Direction: models.DirectionOutgoing, UserID: "u-alice",
		Username: "alice", Status: models.RequestStatusPending,
	}))
	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "l-other", Direction: models.DirectionOutgoing, Username: "bob",
		Status: models.RequestStatusPendingSync,
	}))

	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		ID: "r1", LocalID: "local-1", Direction: models.DirectionOutgoing, UserID: "u-alice",
		Username: "alice", DisplayName: "Alice", Status: models.RequestStatusPending,
	}))

	out, err := repo.ListFriendRequests(ctx, models.DirectionOutgoing)
	require.NoError(t, err)
	require.Len(t, out, 2)

	byID, err := repo.GetFriendRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.UUID("local-1"), byID.LocalID)
	assert.Equal(t, "Alice", byID.DisplayName)

	other, err := repo.GetFriendRequestByLocalID(ctx, "l-other")
	require.NoError(t, err)
	assert.Equal(t, "bob", other.Username)
	assert.Empty(t, other.ID)
}

func TestDeleteFriendRequest(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		ID: "r1", Direction: models.DirectionIncoming, Username: "eve", Status: models.RequestStatusPending,
	}))
	require.NoError(t, repo.UpsertFriendRequest(ctx, &models.FriendRequest{
		LocalID: "l2", Direction: models.DirectionOutgoing, Username: "fay", Status: models.RequestStatusPendingSync,
	}))

	require.NoError(t, repo.DeleteFriendRequest(ctx, "r1", ""))
	require.NoError(t, repo.DeleteFriendRequest(ctx, "", "l2"))

	_, err := repo.GetFriendRequest(ctx, "r1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetFriendRequestByLocalID(ctx, "l2")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =====================================================
// Match Tests
// =====================================================

func TestMatch_InsertAndMarkSynced(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	m := &models.Match{
		ClientMatchID: "cm-1",
		Format:        "commander",
		Players:       []models.MatchPlayer{{Name: "Bob", StartLife: 40, EndLife: 12}},
		StartedAt:     "2026-03-01T12:00:00.000Z",
		EndedAt:       "2026-03-01T13:00:00.000Z",
		Status:        models.MatchStatusPendingSync,
		UpdatedAt:     "2026-03-01T13:00:00.000Z",
	}
	require.NoError(t, repo.InsertMatch(ctx, m))

	require.NoError(t, repo.MarkMatchSynced(ctx, "cm-1", "srv-9", ""))
	got, err := repo.GetMatch(ctx, "cm-1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusSynced, got.Status)
	assert.Equal(t, "srv-9", got.ServerID)
	assert.Equal(t, m.UpdatedAt, got.UpdatedAt)
	assert.Equal(t, m.Players, got.Players)

	require.NoError(t, repo.MarkMatchFailed(ctx, "cm-1"))
	got, err = repo.GetMatch(ctx, "cm-1")
	require.NoError(t, err)
	assert.Equal(t, models.MatchStatusFailed, got.Status)
	assert.Equal(t, "srv-9", got.ServerID)

	assert.ErrorIs(t, repo.MarkMatchSynced(ctx, "missing", "x", ""), ErrNotFound)
}

func TestListMatches_MostRecentFirst(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, repo.InsertMatch(ctx, &models.Match{
			ClientMatchID: models.UUID(id),
			EndedAt:       "2026-03-0" + map[string]string{"a": "1", "b": "3", "c": "2"}[id] + "T00:00:00.000Z",
			Status:        models.MatchStatusPendingSync,
		}))
	}

	matches, err := repo.ListMatches(ctx, 0)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, models.UUID("b"), matches[0].ClientMatchID)
	assert.Equal(t, models.UUID("a"), matches[2].ClientMatchID)
	assert.NotNil(t, matches[0].Players)
}

// =====================================================
// Metadata and ConflictLog Tests
// =====================================================

func TestMetadata(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	_, ok, err := repo.GetMetadata(ctx, models.MetaConnectionsETag)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.SetMetadata(ctx, models.MetaConnectionsETag, `"v1"`))
	require.NoError(t, repo.SetMetadata(ctx, models.MetaConnectionsETag, `"v2"`))
	v, ok, err := repo.GetMetadata(ctx, models.MetaConnectionsETag)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `"v2"`, v)

	require.NoError(t, repo.DeleteMetadata(ctx, models.MetaConnectionsETag))
	_, ok, err = repo.GetMetadata(ctx, models.MetaConnectionsETag)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConflictLog(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	entry := &models.ConflictLog{
		EntityType:      models.EntityProfile,
		EntityID:        "u1",
		LocalUpdatedAt:  "2026-03-01T12:00:00.000Z",
		RemoteUpdatedAt: "2026-03-01T12:00:05.000Z",
		Resolution:      "remote_wins",
	}
	require.NoError(t, repo.CreateConflictLog(ctx, entry))
	assert.NotZero(t, entry.ID)
	assert.NotZero(t, entry.DetectedAt)

	logs, err := repo.ListConflictLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, entry.RemoteUpdatedAt, logs[0].RemoteUpdatedAt)

	bad := &models.ConflictLog{EntityType: models.EntityProfile, EntityID: "u1", Resolution: "coin_flip"}
	assert.Error(t, repo.CreateConflictLog(ctx, bad))
}
