// Package scheduler tests for sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/matchbook/core/internal/db"
	"github.com/kimhsiao/matchbook/core/internal/models"
	syncpkg "github.com/kimhsiao/matchbook/core/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

// fakeEngine returns scripted results. A run blocks while gate is set and
// not yet released.
type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	results []*syncpkg.RunResult
	gate    chan struct{}
	started chan struct{}
}

func newFakeEngine(results ...*syncpkg.RunResult) *fakeEngine {
	return &fakeEngine{results: results, started: make(chan struct{}, 16)}
}

func (e *fakeEngine) Run(ctx context.Context) (*syncpkg.RunResult, error) {
	e.mu.Lock()
	e.calls++
	gate := e.gate
	res := &syncpkg.RunResult{Status: syncpkg.RunSuccess}
	if len(e.results) > 0 {
		res = e.results[0]
		if len(e.results) > 1 {
			e.results = e.results[1:]
		}
	}
	e.mu.Unlock()

	e.started <- struct{}{}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return &syncpkg.RunResult{Status: syncpkg.RunRetry, Reason: ctx.Err().Error()}, ctx.Err()
		}
	}
	copied := *res
	return &copied, nil
}

func (e *fakeEngine) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func (e *fakeEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *fakeEngine) Status() syncpkg.SyncStatus              { return syncpkg.SyncStatusIdle }
func (e *fakeEngine) LastSync() *time.Time                    { return nil }
func (e *fakeEngine) PendingChanges() int                     { return 0 }
func (e *fakeEngine) LastError() error                        { return nil }

type countQueue int

func (q countQueue) Count(context.Context) (int, error) { return int(q), nil }

func newRepo(t *testing.T) *db.Repository {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB, db.NewNotifier())
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	return repo
}

func testConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PeriodicInterval: 20 * time.Millisecond,
		BackoffBase:      20 * time.Millisecond,
		BackoffMax:       80 * time.Millisecond,
		RunTimeout:       time.Second,
	}
}

func newTestScheduler(t *testing.T, engine *fakeEngine, queued int) (*Scheduler, *db.Repository) {
	t.Helper()
	repo := newRepo(t)
	s := NewScheduler(engine, countQueue(queued), repo, testConfig())
	t.Cleanup(s.Stop)
	return s, repo
}

func waitRun(t *testing.T, e *fakeEngine) {
	t.Helper()
	select {
	case <-e.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not start")
	}
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	require.Eventually(t, func() bool { return !s.Status().Running }, 2*time.Second, 5*time.Millisecond)
}

func pendingFlag(t *testing.T, repo *db.Repository) bool {
	t.Helper()
	v, ok, err := repo.GetMetadata(context.Background(), models.MetaPendingRun)
	require.NoError(t, err)
	return ok && v != ""
}

// =====================================================
// Config
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	assert.Equal(t, 15*time.Minute, cfg.PeriodicInterval)
	assert.Equal(t, 30*time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Hour, cfg.BackoffMax)
	assert.Equal(t, 5*time.Minute, cfg.RunTimeout)
}

// TestNewScheduler_nilConfig verifies defaults fill a missing config.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(newFakeEngine(), countQueue(0), newRepo(t), nil)
	assert.Equal(t, *DefaultSchedulerConfig(), s.cfg)
	assert.True(t, s.IsOnline())
	assert.False(t, s.Status().Started)
}

// TestBackoffDelay verifies exponential growth and the cap.
func TestBackoffDelay(t *testing.T) {
	s := NewScheduler(newFakeEngine(), countQueue(0), newRepo(t), nil)
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{10, 512 * 30 * time.Second},
		{11, 5 * time.Hour},
		{100, 5 * time.Hour},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.backoffDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

// =====================================================
// Triggers
// =====================================================

// TestTriggerNow_beforeStartIsDeferred verifies nothing runs before Start.
func TestTriggerNow_beforeStartIsDeferred(t *testing.T) {
	engine := newFakeEngine()
	s, repo := newTestScheduler(t, engine, 0)

	s.TriggerNow()
	assert.True(t, s.Status().Pending)
	assert.True(t, pendingFlag(t, repo))
	assert.Zero(t, engine.Calls())

	s.Start(context.Background())
	waitRun(t, engine)
	waitIdle(t, s)
	assert.False(t, pendingFlag(t, repo))
}

// TestTriggerNow_duringRunReruns verifies a trigger is not lost mid-run.
func TestTriggerNow_duringRunReruns(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	s, _ := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)
	s.TriggerNow()
	s.TriggerNow()
	assert.True(t, s.Status().Pending)

	close(engine.gate)
	waitRun(t, engine)
	waitIdle(t, s)
	assert.Equal(t, 2, engine.Calls(), "pending triggers collapse into one rerun")
	assert.False(t, s.Status().Pending)
}

// TestRunAgain_continuesImmediately verifies bounded runs chain.
func TestRunAgain_continuesImmediately(t *testing.T) {
	engine := newFakeEngine(
		&syncpkg.RunResult{Status: syncpkg.RunSuccess, RunAgain: true},
		&syncpkg.RunResult{Status: syncpkg.RunSuccess},
	)
	s, repo := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)
	waitRun(t, engine)
	waitIdle(t, s)
	assert.Equal(t, 2, engine.Calls())
	assert.False(t, pendingFlag(t, repo))
}

// TestUnauthenticated_noRerun verifies a signed-out run waits for a trigger.
func TestUnauthenticated_noRerun(t *testing.T) {
	engine := newFakeEngine(&syncpkg.RunResult{Status: syncpkg.RunSuccess, Unauthenticated: true, RunAgain: true})
	s, repo := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)
	waitIdle(t, s)
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, engine.Calls())
	st := s.Status()
	assert.Nil(t, st.RetryAt)
	assert.False(t, st.Pending)
	assert.False(t, pendingFlag(t, repo))
}

// TestUnauthenticated_triggerDuringRunReruns verifies a trigger that arrives
// while a signed-out run is active, e.g. right after sign-in, is kept.
func TestUnauthenticated_triggerDuringRunReruns(t *testing.T) {
	engine := newFakeEngine(
		&syncpkg.RunResult{Status: syncpkg.RunSuccess, Unauthenticated: true},
		&syncpkg.RunResult{Status: syncpkg.RunSuccess},
	)
	engine.gate = make(chan struct{})
	s, repo := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)
	s.TriggerNow()

	close(engine.gate)
	waitRun(t, engine)
	waitIdle(t, s)

	assert.Equal(t, 2, engine.Calls())
	assert.False(t, s.Status().Pending)
	assert.False(t, pendingFlag(t, repo))
}

// =====================================================
// Backoff
// =====================================================

// TestRetry_schedulesSingleBackoff verifies retries wait and do not stack.
func TestRetry_schedulesSingleBackoff(t *testing.T) {
	engine := newFakeEngine(
		&syncpkg.RunResult{Status: syncpkg.RunRetry, Reason: "503"},
		&syncpkg.RunResult{Status: syncpkg.RunSuccess},
	)
	s, repo := newTestScheduler(t, engine, 0)
	s.cfg.BackoffBase = 200 * time.Millisecond
	s.cfg.BackoffMax = time.Second
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)
	waitIdle(t, s)

	st := s.Status()
	require.NotNil(t, st.RetryAt)
	assert.Equal(t, 1, st.Attempt)
	assert.True(t, pendingFlag(t, repo))

	// Triggers during backoff only record the request.
	s.TriggerNow()
	s.TriggerNow()
	assert.Equal(t, 1, engine.Calls())

	waitRun(t, engine)
	waitIdle(t, s)
	assert.Equal(t, 2, engine.Calls())
	st = s.Status()
	assert.Nil(t, st.RetryAt)
	assert.Zero(t, st.Attempt)
	assert.False(t, pendingFlag(t, repo))
}

// TestSetOnline_startsPendingRun verifies connectivity gating.
func TestSetOnline_startsPendingRun(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.SetOnline(false)
	s.TriggerNow()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, engine.Calls())
	assert.False(t, s.IsOnline())

	s.SetOnline(true)
	waitRun(t, engine)
	waitIdle(t, s)
	assert.Equal(t, 1, engine.Calls())
}

// =====================================================
// Lifecycle
// =====================================================

// TestStart_restoresPersistedRequest verifies a request survives a restart.
func TestStart_restoresPersistedRequest(t *testing.T) {
	repo := newRepo(t)
	require.NoError(t, repo.SetMetadata(context.Background(), models.MetaPendingRun, "1"))

	engine := newFakeEngine()
	s := NewScheduler(engine, countQueue(0), repo, testConfig())
	t.Cleanup(s.Stop)
	s.Start(context.Background())

	waitRun(t, engine)
	waitIdle(t, s)
	assert.False(t, pendingFlag(t, repo))
}

// TestStart_nonEmptyQueueRuns verifies leftover queue items are drained.
func TestStart_nonEmptyQueueRuns(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestScheduler(t, engine, 3)
	s.Start(context.Background())
	waitRun(t, engine)
}

// TestStart_idempotent verifies repeated Start and Stop calls are safe.
func TestStart_idempotent(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestScheduler(t, engine, 0)

	s.Start(context.Background())
	s.Start(context.Background())
	assert.True(t, s.Status().Started)

	s.Stop()
	s.Stop()
	assert.False(t, s.Status().Started)
}

// TestStop_cancelsActiveRun verifies Stop does not hang on a blocked run.
func TestStop_cancelsActiveRun(t *testing.T) {
	engine := newFakeEngine()
	engine.gate = make(chan struct{})
	s, repo := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerNow()
	waitRun(t, engine)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Nil(t, s.Status().RetryAt)
	assert.True(t, pendingFlag(t, repo), "an interrupted run leaves the request pending")
}

// TestTriggerPeriodic_keepsExisting verifies the ticker is not duplicated.
func TestTriggerPeriodic_keepsExisting(t *testing.T) {
	engine := newFakeEngine()
	s, _ := newTestScheduler(t, engine, 0)
	s.Start(context.Background())

	s.TriggerPeriodic()
	first := s.periodic
	s.TriggerPeriodic()
	assert.Equal(t, first, s.periodic)

	waitRun(t, engine)
	waitRun(t, engine)
}

// TestRunOnce verifies synchronous runs share the slot.
func TestRunOnce(t *testing.T) {
	engine := newFakeEngine(&syncpkg.RunResult{Status: syncpkg.RunSuccess, Processed: 2})
	s, _ := newTestScheduler(t, engine, 0)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.NotNil(t, s.Status().LastRunAt)

	engine.gate = make(chan struct{})
	s.Start(context.Background())
	s.TriggerNow()
	<-engine.started
	<-engine.started

	_, err = s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrBusy)
	close(engine.gate)
}

// TestRunOnce_failureLeavesRequestPending verifies no backoff before Start.
func TestRunOnce_failureLeavesRequestPending(t *testing.T) {
	engine := newFakeEngine(&syncpkg.RunResult{Status: syncpkg.RunRetry, Reason: "offline"})
	s, repo := newTestScheduler(t, engine, 0)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, syncpkg.RunRetry, res.Status)
	assert.Nil(t, s.Status().RetryAt)
	assert.True(t, pendingFlag(t, repo))
}
