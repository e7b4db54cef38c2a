package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/sonyflake"

	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/metrics"
	"github.com/kimhsiao/matchbook/core/internal/models"
	"github.com/kimhsiao/matchbook/core/internal/sync/handlers"
	"github.com/kimhsiao/matchbook/core/internal/sync/payload"
	"github.com/kimhsiao/matchbook/core/internal/sync/reconcile"
)

// DefaultMaxItemsPerRun bounds how many queue items one run processes.
const DefaultMaxItemsPerRun = 50

const errorHistorySize = 20

// ErrRunInProgress is returned when Run is called while a run is active.
var ErrRunInProgress = errors.New("sync already in progress")

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// RunStatus is the final result of a run.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunRetry   RunStatus = "retry"
)

// RunResult describes one finished run.
type RunResult struct {
	RunID     uint64
	Status    RunStatus
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Processed int
	// RunAgain is set when the per-run bound was hit with items left.
	RunAgain bool
	// Unauthenticated is set when the run stopped for lack of a session.
	Unauthenticated bool
	Reason          string
}

// Queue is the part of the queue store the engine drives.
type Queue interface {
	PeekOldest(ctx context.Context) (*models.QueueItem, error)
	DeleteByID(ctx context.Context, id int64) error
	IncrementAttempt(ctx context.Context, id int64, reason string) error
	Count(ctx context.Context) (int, error)
}

// Dispatcher finds the handler for a payload kind.
type Dispatcher interface {
	Lookup(kind payload.Kind) (handlers.Handler, bool)
}

// Reconciler refreshes the projection after the queue is drained.
type Reconciler interface {
	Reconcile(ctx context.Context) reconcile.Outcome
}

// Config tunes the engine.
type Config struct {
	MaxItemsPerRun int
	// NodeID distinguishes run ids generated on different devices.
	NodeID uint16
}

// ErrorRecord is one entry of the engine's error history.
type ErrorRecord struct {
	RunID     uint64
	Reason    string
	Timestamp time.Time
}

// Engine drains the queue strictly in order, one item at a time.
type Engine struct {
	queue      Queue
	dispatcher Dispatcher
	reconciler Reconciler
	maxItems   int
	ids        *sonyflake.Sonyflake

	mu       sync.Mutex
	running  bool
	status   SyncStatus
	lastSync *time.Time
	pending  int
	lastErr  error
	history  []ErrorRecord
	handler  SyncEventHandler
	now      func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(q Queue, d Dispatcher, r Reconciler, cfg Config) *Engine {
	if cfg.MaxItemsPerRun <= 0 {
		cfg.MaxItemsPerRun = DefaultMaxItemsPerRun
	}
	nodeID := cfg.NodeID
	ids := sonyflake.NewSonyflake(sonyflake.Settings{
		MachineID: func() (uint16, error) { return nodeID, nil },
	})
	if ids == nil {
		logging.Warn("Run id generator unavailable, using timestamps", nil)
	}
	return &Engine{
		queue:      q,
		dispatcher: d,
		reconciler: r,
		maxItems:   cfg.MaxItemsPerRun,
		ids:        ids,
		status:     SyncStatusIdle,
		now:        time.Now,
	}
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastSync returns the end time of the last successful run.
func (e *Engine) LastSync() *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// PendingChanges returns the queue depth seen at the end of the last run.
func (e *Engine) PendingChanges() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// LastError returns the reason the last run did not succeed.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// GetErrorHistory returns recent run failures, oldest first.
func (e *Engine) GetErrorHistory() []ErrorRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ErrorRecord(nil), e.history...)
}

// ClearErrorHistory forgets recorded failures.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// Run performs one sync pass.
func (e *Engine) Run(ctx context.Context) (*RunResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrRunInProgress
	}
	e.running = true
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	result := &RunResult{RunID: e.nextRunID(), StartTime: e.now()}
	e.emitEvent(SyncEvent{Type: SyncEventStarted, RunID: result.RunID})
	logging.Debug("Sync run started", logging.Fields{"run_id": result.RunID})

	err := e.run(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Status = RunRetry
		result.Reason = err.Error()
	}
	e.finish(ctx, result)
	return result, err
}

func (e *Engine) run(ctx context.Context, result *RunResult) error {
	for result.Processed < e.maxItems {
		if err := ctx.Err(); err != nil {
			return err
		}

		item, err := e.queue.PeekOldest(ctx)
		if err != nil {
			return err
		}
		if item == nil {
			break
		}

		out := e.process(ctx, result.RunID, item)
		result.Processed++

		switch o := out.(type) {
		case handlers.Delete:
			if err := e.queue.DeleteByID(ctx, item.ID); err != nil {
				return err
			}
		case handlers.StopSuccess:
			result.Status = RunSuccess
			result.Unauthenticated = true
			return nil
		case handlers.Retry:
			if err := e.queue.IncrementAttempt(ctx, item.ID, o.Reason); err != nil {
				return err
			}
			result.Status = RunRetry
			result.Reason = o.Reason
			return nil
		}
	}

	if result.Processed >= e.maxItems {
		next, err := e.queue.PeekOldest(ctx)
		if err != nil {
			return err
		}
		result.RunAgain = next != nil
	}

	out := e.reconciler.Reconcile(ctx)
	switch out.Status {
	case reconcile.StatusSuccess:
		result.Status = RunSuccess
	case reconcile.StatusUnauthenticated:
		result.Status = RunSuccess
		result.Unauthenticated = true
	default:
		result.Status = RunRetry
		result.Reason = out.Reason
	}
	return nil
}

// process decodes and dispatches one item. Items that can never be handled
// are deleted.
func (e *Engine) process(ctx context.Context, runID uint64, item *models.QueueItem) handlers.Outcome {
	kind := payload.Kind{Entity: item.EntityType, Action: item.Action}
	fields := logging.Fields{"run_id": runID, "item_id": item.ID, "kind": kind.String(), "attempt": item.AttemptCount}

	var out handlers.Outcome
	p, err := payload.FromQueueItem(item)
	if err != nil {
		logging.Error("Dropping undecodable queue item", err, fields)
		out = handlers.Delete{}
	} else if h, ok := e.dispatcher.Lookup(kind); !ok {
		logging.Error("Dropping queue item with no handler", payload.ErrUnknownKind, fields)
		out = handlers.Delete{}
	} else {
		out = dispatch(ctx, h, p, fields)
	}

	name := handlers.OutcomeName(out)
	metrics.Items.WithLabelValues(kind.String(), name).Inc()
	e.emitEvent(SyncEvent{Type: SyncEventItemProcessed, RunID: runID, Kind: kind.String(), Outcome: name})
	return out
}

func dispatch(ctx context.Context, h handlers.Handler, p payload.Payload, fields logging.Fields) (out handlers.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("handler panic: %v", r)
			logging.Error("Handler panicked", err, fields)
			out = handlers.Retry{Reason: err.Error()}
		}
	}()
	out = h.Handle(ctx, p)
	if out == nil {
		out = handlers.Retry{Reason: "handler returned no outcome"}
	}
	return out
}

func (e *Engine) finish(ctx context.Context, result *RunResult) {
	// The run context may already be cancelled; the depth is still wanted.
	countCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	depth, cerr := e.queue.Count(countCtx)
	if cerr == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	metrics.Runs.WithLabelValues(string(result.Status)).Inc()
	metrics.RunDuration.Observe(result.Duration.Seconds())

	e.mu.Lock()
	e.running = false
	if cerr == nil {
		e.pending = depth
	}
	if result.Status == RunSuccess {
		e.status = SyncStatusIdle
		e.lastErr = nil
		end := result.EndTime
		e.lastSync = &end
	} else {
		e.status = SyncStatusFailed
		e.lastErr = errors.New(result.Reason)
		e.history = append(e.history, ErrorRecord{RunID: result.RunID, Reason: result.Reason, Timestamp: result.EndTime})
		if len(e.history) > errorHistorySize {
			e.history = e.history[len(e.history)-errorHistorySize:]
		}
	}
	e.mu.Unlock()

	fields := logging.Fields{
		"run_id":          result.RunID,
		"status":          result.Status,
		"processed":       result.Processed,
		"run_again":       result.RunAgain,
		"unauthenticated": result.Unauthenticated,
		"duration_ms":     result.Duration.Milliseconds(),
	}
	if result.Status == RunSuccess {
		logging.Info("Sync run finished", fields)
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, RunID: result.RunID, Processed: result.Processed, Unauthenticated: result.Unauthenticated})
		return
	}
	fields["reason"] = result.Reason
	logging.Warn("Sync run will be retried", fields)
	e.emitEvent(SyncEvent{Type: SyncEventFailed, RunID: result.RunID, Processed: result.Processed, Message: result.Reason})
}

func (e *Engine) nextRunID() uint64 {
	if e.ids != nil {
		if id, err := e.ids.NextID(); err == nil {
			return id
		}
	}
	return uint64(e.now().UnixNano())
}
