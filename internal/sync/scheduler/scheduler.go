// Package scheduler decides when sync runs happen.
//
// There is exactly one run slot. Triggers that arrive while a run is
// active, while a backoff retry is waiting, or while offline are recorded
// as a pending request instead of being dropped; the request is also
// persisted so it survives a restart. Failed runs schedule a single
// exponential backoff timer; timers are never stacked.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/matchbook/core/internal/errors"
	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/metrics"
	"github.com/kimhsiao/matchbook/core/internal/models"
	syncpkg "github.com/kimhsiao/matchbook/core/internal/sync"
)

// ErrBusy is returned by RunOnce when a run is already active.
var ErrBusy = errors.New("scheduler: a sync run is already active")

// Metadata persists the pending-run flag.
type Metadata interface {
	GetMetadata(ctx context.Context, key string) (string, bool, error)
	SetMetadata(ctx context.Context, key, value string) error
	DeleteMetadata(ctx context.Context, key string) error
}

// Queue reports the backlog size.
type Queue interface {
	Count(ctx context.Context) (int, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	PeriodicInterval time.Duration // low-frequency trigger (default: 15 minutes)
	BackoffBase      time.Duration // first retry delay (default: 30 seconds)
	BackoffMax       time.Duration // retry delay cap (default: 5 hours)
	RunTimeout       time.Duration // per-run deadline (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		PeriodicInterval: 15 * time.Minute,
		BackoffBase:      30 * time.Second,
		BackoffMax:       5 * time.Hour,
		RunTimeout:       5 * time.Minute,
	}
}

// Scheduler manages sync runs.
type Scheduler struct {
	engine syncpkg.SyncEngineInterface
	queue  Queue
	meta   Metadata
	cfg    SchedulerConfig

	mu        sync.Mutex
	wg        sync.WaitGroup
	started   bool
	baseCtx   context.Context
	cancel    context.CancelFunc
	running   bool
	pending   bool
	persisted bool
	online    bool
	attempt   int
	backoff   *time.Timer
	retryAt   time.Time
	periodic  chan struct{}

	lastRunAt  time.Time
	lastResult *syncpkg.RunResult
	now        func() time.Time
}

// NewScheduler creates a new Scheduler. It is online until told otherwise.
func NewScheduler(engine syncpkg.SyncEngineInterface, queue Queue, meta Metadata, config *SchedulerConfig) *Scheduler {
	cfg := *DefaultSchedulerConfig()
	if config != nil {
		if config.PeriodicInterval > 0 {
			cfg.PeriodicInterval = config.PeriodicInterval
		}
		if config.BackoffBase > 0 {
			cfg.BackoffBase = config.BackoffBase
		}
		if config.BackoffMax > 0 {
			cfg.BackoffMax = config.BackoffMax
		}
		if config.RunTimeout > 0 {
			cfg.RunTimeout = config.RunTimeout
		}
	}

	return &Scheduler{
		engine: engine,
		queue:  queue,
		meta:   meta,
		cfg:    cfg,
		online: true,
		now:    time.Now,
	}
}

// Start enables background runs. A pending request left by a previous
// process, or a non-empty queue, starts a run right away.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)

	restored := false
	if v, ok, err := s.meta.GetMetadata(ctx, models.MetaPendingRun); err != nil {
		logging.Warn("Failed to read pending run flag", logging.Fields{"error": err.Error()})
	} else if ok && v != "" {
		restored = true
		s.persisted = true
	}
	if n, err := s.queue.Count(ctx); err == nil && n > 0 {
		restored = true
	}

	logging.Info("Sync scheduler started", logging.Fields{"restored_pending": restored})
	if restored {
		s.requestLocked()
	}
}

// Stop cancels any active run and waits for background work to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	s.cancel()
	s.stopBackoffLocked()
	if s.periodic != nil {
		close(s.periodic)
		s.periodic = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Sync scheduler stopped", nil)
}

// TriggerNow asks for a run and returns immediately.
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestLocked()
}

// TriggerPeriodic starts the low-frequency ticker. Calling it again while
// the ticker exists keeps the existing one.
func (s *Scheduler) TriggerPeriodic() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.periodic != nil {
		return
	}
	stop := make(chan struct{})
	s.periodic = stop
	interval := s.cfg.PeriodicInterval

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				logging.Debug("Periodic sync trigger", nil)
				s.TriggerNow()
			}
		}
	}()
}

// SetOnline records connectivity. Coming back online with a pending request
// starts a run, cutting short any backoff wait.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	was := s.online
	s.online = online
	if was == online {
		return
	}
	logging.Info("Online status changed", logging.Fields{"was_online": was, "is_online": online})

	if online && s.pending {
		s.stopBackoffLocked()
		s.maybeStartLocked()
	}
}

// RunOnce performs a run synchronously in the scheduler's slot. It is used
// by one-shot commands; background reruns and backoff only apply after Start.
func (s *Scheduler) RunOnce(ctx context.Context) (*syncpkg.RunResult, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.running = true
	s.pending = false
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	res, err := s.engine.Run(runCtx)
	s.finish(res, err)
	return res, err
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	Started    bool
	Running    bool
	Online     bool
	Pending    bool
	Attempt    int
	RetryAt    *time.Time
	LastRunAt  *time.Time
	LastResult *syncpkg.RunResult
}

// Status returns the current scheduler state.
func (s *Scheduler) Status() SchedulerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := SchedulerStatus{
		Started:    s.started,
		Running:    s.running,
		Online:     s.online,
		Pending:    s.pending,
		Attempt:    s.attempt,
		LastResult: s.lastResult,
	}
	if s.backoff != nil {
		at := s.retryAt
		st.RetryAt = &at
	}
	if !s.lastRunAt.IsZero() {
		at := s.lastRunAt
		st.LastRunAt = &at
	}
	return st
}

// IsOnline returns the last connectivity state.
func (s *Scheduler) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// =====================================================
// Run slot
// =====================================================

func (s *Scheduler) requestLocked() {
	s.pending = true
	s.persistLocked(true)
	s.maybeStartLocked()
}

func (s *Scheduler) maybeStartLocked() {
	switch {
	case !s.started:
		logging.Debug("Sync requested before start, deferring", nil)
	case s.running:
		logging.Debug("Sync requested during a run, will rerun", nil)
	case s.backoff != nil:
		logging.Debug("Sync requested during backoff, waiting", logging.Fields{"retry_at": s.retryAt})
	case !s.online:
		logging.Debug("Sync requested while offline, deferring", nil)
	default:
		s.launchLocked()
	}
}

func (s *Scheduler) launchLocked() {
	s.running = true
	s.pending = false
	ctx := s.baseCtx
	timeout := s.cfg.RunTimeout

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		res, err := s.engine.Run(runCtx)
		s.finish(res, err)
	}()
}

// finish records a run's result and decides what happens next.
func (s *Scheduler) finish(res *syncpkg.RunResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.lastRunAt = s.now()
	if res != nil {
		s.lastResult = res
	}

	failed := err != nil || res == nil || res.Status == syncpkg.RunRetry
	switch {
	case failed:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.ErrorWithCode("Sync run failed", string(apperrors.ErrSyncFailed), err, logging.Fields{"attempt": s.attempt + 1})
		}
		s.pending = true
		s.persistLocked(true)
		if s.started {
			s.scheduleBackoffLocked()
		}

	case res.Unauthenticated:
		// Nothing can be sent until the user signs in; the next trigger
		// will try again. A trigger that arrived during this run is that
		// next trigger.
		s.attempt = 0
		if s.pending {
			s.persistLocked(true)
			s.maybeStartLocked()
			break
		}
		s.persistLocked(false)

	case res.RunAgain || s.pending:
		s.attempt = 0
		s.pending = true
		s.persistLocked(true)
		s.maybeStartLocked()

	default:
		s.attempt = 0
		s.persistLocked(false)
	}
}

func (s *Scheduler) scheduleBackoffLocked() {
	s.attempt++
	if s.backoff != nil {
		return
	}
	delay := s.backoffDelay(s.attempt)
	s.retryAt = s.now().Add(delay)
	metrics.BackoffRetries.Inc()
	logging.Info("Sync retry scheduled", logging.Fields{"attempt": s.attempt, "delay": delay.String()})

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.backoff != timer {
			return
		}
		s.backoff = nil
		s.maybeStartLocked()
	})
	s.backoff = timer
}

// backoffDelay is base * 2^(attempt-1), capped.
func (s *Scheduler) backoffDelay(attempt int) time.Duration {
	delay := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if delay > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return delay
}

func (s *Scheduler) stopBackoffLocked() {
	if s.backoff != nil {
		s.backoff.Stop()
		s.backoff = nil
	}
}

func (s *Scheduler) persistLocked(pending bool) {
	if pending == s.persisted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if pending {
		err = s.meta.SetMetadata(ctx, models.MetaPendingRun, "1")
	} else {
		err = s.meta.DeleteMetadata(ctx, models.MetaPendingRun)
	}
	if err != nil {
		logging.Warn("Failed to persist pending run flag", logging.Fields{"pending": pending, "error": err.Error()})
		return
	}
	s.persisted = pending
}
