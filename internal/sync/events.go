package sync

import "time"

// SyncEventType identifies a run notification.
type SyncEventType string

const (
	SyncEventStarted       SyncEventType = "started"
	SyncEventItemProcessed SyncEventType = "item_processed"
	SyncEventCompleted     SyncEventType = "completed"
	SyncEventFailed        SyncEventType = "failed"
)

// SyncEvent is delivered to the event handler during a run.
type SyncEvent struct {
	Type      SyncEventType
	RunID     uint64
	Kind      string
	Outcome   string
	Processed int
	Message   string
	// Unauthenticated marks a completed run that stopped for lack of a
	// session.
	Unauthenticated bool
	Timestamp       time.Time
}

// SyncEventHandler receives run notifications. It is called on the run's
// goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SetEventHandler sets the handler notified during runs; nil disables
// notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.Lock()
	h := e.handler
	e.mu.Unlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	h.OnSyncEvent(event)
}
