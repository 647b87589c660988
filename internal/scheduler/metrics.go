package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grainhouse_jobs_claimed_total",
		Help: "Jobs atomically claimed from source job stores.",
	})

	jobsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grainhouse_jobs_finalized_total",
		Help: "Job outcomes durably committed, by terminal status.",
	}, []string{"status"})

	jobsDeferred = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grainhouse_jobs_deferred_total",
		Help: "Finalize outcomes buffered because the job store was unreachable.",
	})

	jobsSweptStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grainhouse_jobs_swept_stale_total",
		Help: "Running jobs reclaimed by the stale sweeper after lease expiry.",
	})

	claimsReleased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grainhouse_claims_released_total",
		Help: "Claims released back to pending without finalizing (filtered or over capacity).",
	})
)
