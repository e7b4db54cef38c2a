// Package sync drains the durable mutation queue against the remote service
// and then reconciles the local projection with server state.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// The scheduler depends on it so runs can be faked in tests.
type SyncEngineInterface interface {
	// Run performs one sync pass: drain the queue, then reconcile.
	// An error is returned only when the queue store itself fails.
	Run(ctx context.Context) (*RunResult, error)

	// SetEventHandler sets the handler notified during runs.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the end time of the last successful run.
	LastSync() *time.Time

	// PendingChanges returns the queue depth seen at the end of the last run.
	PendingChanges() int

	// LastError returns the reason the last run did not succeed.
	LastError() error
}
