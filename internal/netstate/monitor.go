// Package netstate tracks whether the remote service is reachable and
// reports transitions to the scheduler.
package netstate

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/matchbook/core/internal/logging"
)

const (
	DefaultInterval = 30 * time.Second
	probeTimeout    = 5 * time.Second
)

// Sink receives connectivity transitions.
type Sink interface {
	SetOnline(online bool)
}

// Monitor probes the remote host on an interval. Any HTTP response counts
// as reachable; only transport failures count as offline.
type Monitor struct {
	url      string
	client   *http.Client
	interval time.Duration
	sink     Sink

	mu      sync.Mutex
	online  bool
	checked bool
	changed time.Time
}

// NewMonitor creates a monitor probing baseURL's /healthz.
func NewMonitor(baseURL string, client *http.Client, interval time.Duration, sink Sink) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: probeTimeout}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		url:      strings.TrimRight(baseURL, "/") + "/healthz",
		client:   client,
		interval: interval,
		sink:     sink,
		online:   true,
	}
}

// Online returns the last observed state. Before the first probe the
// service is assumed reachable.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Since returns when the state last changed.
func (m *Monitor) Since() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// Run probes immediately and then on every tick until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check probes once and reports a transition to the sink.
func (m *Monitor) Check(ctx context.Context) bool {
	online := m.probe(ctx)
	if ctx.Err() != nil {
		return m.Online()
	}

	m.mu.Lock()
	first := !m.checked
	transition := m.online != online
	m.checked = true
	m.online = online
	if transition {
		m.changed = time.Now()
	}
	m.mu.Unlock()

	if transition || first {
		if transition {
			logging.Info("Connectivity changed", logging.Fields{"online": online, "url": m.url})
		}
		if m.sink != nil {
			m.sink.SetOnline(online)
		}
	}
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", logging.Fields{"error": err.Error()})
		return false
	}
	resp.Body.Close()
	return true
}
