// Package metrics holds the Prometheus collectors of the sync core.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchbook_sync_runs_total",
		Help: "Total sync runs by final result.",
	}, []string{"result"})

	RunDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchbook_sync_run_duration_seconds",
		Help:    "Wall time of sync runs.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	Items = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchbook_sync_items_total",
		Help: "Total queue items processed by kind and outcome.",
	}, []string{"kind", "outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "matchbook_sync_queue_depth",
		Help: "Items waiting in the mutation queue after the last run.",
	})

	ConnectionsFetch = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchbook_sync_connections_fetch_total",
		Help: "Connections fetches by result (not_modified, replaced, fallback).",
	}, []string{"result"})

	Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchbook_sync_conflicts_total",
		Help: "Local edits overwritten by server state, by entity.",
	}, []string{"entity"})

	BackoffRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchbook_sync_backoff_scheduled_total",
		Help: "Total backoff retries scheduled.",
	})
)

var registerOnce sync.Once

// Register adds the collectors to the default registry. It is safe to call
// more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			Runs, RunDuration,
			Items, QueueDepth,
			ConnectionsFetch, Conflicts,
			BackoffRetries,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
