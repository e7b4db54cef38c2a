package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	Register()
	Runs.WithLabelValues("success").Inc()
	Items.WithLabelValues("MATCH/CREATE", "delete").Inc()
	QueueDepth.Set(7)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `matchbook_sync_runs_total{result="success"}`)
	assert.Contains(t, string(body), `matchbook_sync_items_total{kind="MATCH/CREATE",outcome="delete"}`)
	assert.Contains(t, string(body), "matchbook_sync_queue_depth 7")
}
