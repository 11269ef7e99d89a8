package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsync_sync_runs_total",
		Help: "Sync runs by outcome",
	}, []string{"result"})

	syncBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claimsync_sync_batches_total",
		Help: "CLAIM_SYNC_RESPONSE batches delivered by sync runs",
	})

	syncRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "claimsync_sync_run_duration_seconds",
		Help:    "Wall time of completed sync runs",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	syncActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "claimsync_sync_active_jobs",
		Help: "Sync jobs currently in flight",
	})

	syncPushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "claimsync_sync_pushes_total",
		Help: "Targeted pushes by record kind and result",
	}, []string{"kind", "result"})

	syncSweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "claimsync_sync_sweep_failures_total",
		Help: "Sweep iterations that failed and were retried after backoff",
	})
)

const (
	resultDelivered = "delivered"
	resultEmpty     = "empty"
	resultCancelled = "cancelled"
	resultFailed    = "failed"
)
