// Package metrics holds the progress service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Heartbeat outcomes recorded on the HeartbeatsTotal counter.
const (
	ResultAccepted    = "accepted"
	ResultStale       = "stale"
	ResultImplausible = "implausible"
)

var (
	HeartbeatsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_heartbeats_total",
		Help: "Heartbeats processed, by reconciliation outcome.",
	}, []string{"result"})

	CompletionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "progress_lesson_completions_total",
		Help: "Lessons newly marked completed.",
	})

	RollupRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "progress_rollup_runs_total",
		Help: "Daily rollup runs, by result.",
	}, []string{"result"})

	RollupRowsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "progress_rollup_rows_written_total",
		Help: "Daily summary rows upserted by the rollup job.",
	})
)

// MustRegister registers all collectors on the given registerer.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		HeartbeatsTotal,
		CompletionsTotal,
		RollupRunsTotal,
		RollupRowsWritten,
	)
}
