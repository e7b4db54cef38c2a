// Package push listens to the remote service's event stream and turns
// change notifications into sync requests.
//
// The stream is only a hint: a missed event costs nothing but latency,
// because the periodic tick and local edits trigger runs on their own.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/matchbook/core/internal/logging"
	"github.com/kimhsiao/matchbook/core/internal/sync/remote"
)

// Event types that request a sync run.
const (
	EventConnectionsChanged = "connections.changed"
	EventProfileChanged     = "profile.changed"
	EventSyncRequested      = "sync.requested"
)

const (
	defaultMinRedial = time.Second
	defaultMaxRedial = time.Minute
	pongWait         = 60 * time.Second
)

// Trigger asks for a sync run without waiting for it.
type Trigger interface {
	TriggerNow()
}

// Envelope is one message on the stream.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Config configures a Listener.
type Config struct {
	// URL is the ws:// or wss:// address of the event stream.
	URL       string
	MinRedial time.Duration
	MaxRedial time.Duration
}

// Listener keeps one connection to the event stream open, redialing with
// exponential backoff until its context ends.
type Listener struct {
	cfg     Config
	tokens  remote.TokenSource
	trigger Trigger
	dialer  *websocket.Dialer

	mu        sync.Mutex
	connected bool
	received  int
}

// NewListener creates a Listener.
func NewListener(cfg Config, tokens remote.TokenSource, trigger Trigger) *Listener {
	if cfg.MinRedial <= 0 {
		cfg.MinRedial = defaultMinRedial
	}
	if cfg.MaxRedial < cfg.MinRedial {
		cfg.MaxRedial = defaultMaxRedial
	}
	return &Listener{
		cfg:     cfg,
		tokens:  tokens,
		trigger: trigger,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connected reports whether the stream is currently open.
func (l *Listener) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// Received returns the number of events that triggered a run.
func (l *Listener) Received() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received
}

// Run blocks until ctx is done.
func (l *Listener) Run(ctx context.Context) {
	delay := l.cfg.MinRedial
	for ctx.Err() == nil {
		started := time.Now()
		err := l.session(ctx)
		if ctx.Err() != nil {
			return
		}

		// A connection that stayed up for a while resets the backoff.
		if time.Since(started) > l.cfg.MaxRedial {
			delay = l.cfg.MinRedial
		}
		if errors.Is(err, remote.ErrNoSession) {
			logging.Debug("Push stream waiting for a session")
		} else {
			logging.Warn("Push stream disconnected", logging.Fields{"error": errString(err), "retry_in": delay.String()})
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		delay *= 2
		if delay > l.cfg.MaxRedial {
			delay = l.cfg.MaxRedial
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	token, err := l.tokens.Token(ctx)
	if err != nil {
		return err
	}
	if token == "" {
		return remote.ErrNoSession
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	l.setConnected(true)
	defer l.setConnected(false)
	logging.Info("Push stream connected", logging.Fields{"url": l.cfg.URL})

	// Missed events may have happened while disconnected.
	l.trigger.TriggerNow()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		l.handle(msg)
	}
}

func (l *Listener) handle(msg []byte) {
	var env Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		logging.Debug("Ignoring malformed push message", logging.Fields{"error": err.Error()})
		return
	}
	if !Wants(env.Type) {
		return
	}

	l.mu.Lock()
	l.received++
	l.mu.Unlock()
	logging.Debug("Push event received", logging.Fields{"type": env.Type})
	l.trigger.TriggerNow()
}

// Wants reports whether an event type should trigger a sync run.
func Wants(eventType string) bool {
	switch eventType {
	case EventConnectionsChanged, EventProfileChanged, EventSyncRequested:
		return true
	}
	return false
}

// StreamURL derives the event stream address from the REST base URL.
func StreamURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/v1/events"
}

func (l *Listener) setConnected(v bool) {
	l.mu.Lock()
	l.connected = v
	l.mu.Unlock()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
