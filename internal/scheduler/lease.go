package scheduler

import (
	"context"
	"time"

	"github.com/grainhouse/grainhouse/internal/store"
	"github.com/rs/zerolog/log"
)

// DefaultLeaseInterval is how often a heartbeat lease refreshes running_at.
// It must stay well under the stale-sweep threshold.
const DefaultLeaseInterval = 4 * time.Second

// Lease keeps a claimed job's running_at timestamp fresh while its worker
// processes it, so the stale sweeper never mistakes a slow job for an
// abandoned one. Stop is cooperative: Stop signals the loop and waits for
// the current tick to observe it.
type Lease struct {
	stop chan struct{}
	done chan struct{}
}

// StartLease begins heartbeating jobID against st every interval. The first
// heartbeat is sent immediately. A store error is logged and the loop keeps
// trying: a transient outage during processing must not fail the job; only
// the sweeper's timestamp check decides abandonment.
func StartLease(st *store.Store, jobID int64, interval time.Duration) *Lease {
	if interval <= 0 {
		interval = DefaultLeaseInterval
	}
	l := &Lease{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(l.done)

		beat := func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			if err := st.Heartbeat(ctx, jobID, time.Now()); err != nil {
				log.Warn().
					Err(err).
					Int64("job_id", jobID).
					Msg("Heartbeat failed, will retry next tick")
			}
		}

		beat()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.stop:
				return
			case <-ticker.C:
				beat()
			}
		}
	}()
	return l
}

// Stop signals the heartbeat loop and waits for it to exit.
func (l *Lease) Stop() {
	close(l.stop)
	<-l.done
}
