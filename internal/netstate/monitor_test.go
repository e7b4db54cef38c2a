package netstate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu    sync.Mutex
	calls []bool
}

func (r *recordingSink) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, online)
}

func (r *recordingSink) seen() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.calls...)
}

func TestCheck_Transitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	sink := &recordingSink{}
	m := NewMonitor(srv.URL+"/", srv.Client(), time.Hour, sink)
	ctx := context.Background()

	// Any HTTP answer means reachable; the first probe is always reported.
	assert.True(t, m.Check(ctx))
	assert.True(t, m.Check(ctx))
	assert.Equal(t, []bool{true}, sink.seen())

	srv.Close()
	assert.False(t, m.Check(ctx))
	assert.False(t, m.Online())
	assert.False(t, m.Since().IsZero())
	assert.False(t, m.Check(ctx))
	assert.Equal(t, []bool{true, false}, sink.seen())
}

func TestRun_StopsWithContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	sink := &recordingSink{}
	m := NewMonitor(srv.URL, srv.Client(), 10*time.Millisecond, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sink.seen()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.True(t, m.Online())
}

func TestNewMonitor_Defaults(t *testing.T) {
	m := NewMonitor("http://example.invalid", nil, 0, nil)
	assert.Equal(t, DefaultInterval, m.interval)
	assert.Equal(t, "http://example.invalid/healthz", m.url)
	assert.True(t, m.Online())
}
