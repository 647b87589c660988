package scheduler

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/grainhouse/grainhouse/internal/store"
)

// DeferredUpdate is a finished job whose outcome could not be written because
// its job store was unreachable (most commonly an unplugged external drive).
// The outcome is held in memory and retried by FlushDeferred until the store
// comes back.
type DeferredUpdate struct {
	Job    ClaimedJob
	Result error
}

// Finalizer commits job outcomes to the owning source's job store and keeps
// the in-memory bookkeeping (inflight set, progress cache) consistent with
// what was written.
type Finalizer struct {
	handles  *HandleCache
	inflight *Inflight
	progress *ProgressCache
	wake     *Wakeup
}

// NewFinalizer creates a finalizer over the shared scheduler state.
func NewFinalizer(handles *HandleCache, inflight *Inflight, progress *ProgressCache, wake *Wakeup) *Finalizer {
	return &Finalizer{
		handles:  handles,
		inflight: inflight,
		progress: progress,
		wake:     wake,
	}
}

// FinalizeJob writes the outcome of a processed job: done when result is nil,
// failed with the error message otherwise. The job's inflight marker is
// cleared in every path, including failure paths, so a finalize problem can
// never wedge the job against future claims.
//
// When the job store cannot be reached or written, the outcome is returned as
// a *DeferredUpdate for the caller to buffer; the erroring handle is evicted
// so the next attempt reopens it fresh. Returns nil once the outcome is
// durably committed.
func (f *Finalizer) FinalizeJob(ctx context.Context, job ClaimedJob, result error) *DeferredUpdate {
	defer f.inflight.Clear(job.ID)

	st, err := f.handles.Get(ctx, job.SourceRoot)
	if err != nil {
		log.Warn().
			Err(err).
			Int64("job_id", job.ID).
			Str("sample_id", job.SampleID).
			Str("root", job.SourceRoot).
			Msg("Job store unreachable, deferring result")
		jobsDeferred.Inc()
		return &DeferredUpdate{Job: job, Result: result}
	}

	status := store.JobStatusDone
	lastError := ""
	if result != nil {
		status = store.JobStatusFailed
		lastError = result.Error()
	}

	if err := st.Finalize(ctx, job.ID, status, lastError); err != nil {
		// A write failure on an open handle usually means the device went
		// away mid-session; evict so the flush path reopens from scratch.
		f.handles.Evict(job.SourceRoot)
		log.Warn().
			Err(err).
			Int64("job_id", job.ID).
			Str("sample_id", job.SampleID).
			Msg("Failed to write job outcome, deferring result")
		jobsDeferred.Inc()
		return &DeferredUpdate{Job: job, Result: result}
	}
	jobsFinalized.WithLabelValues(string(status)).Inc()

	f.refreshProgress(ctx, st, job)
	f.wake.Notify()
	return nil
}

// FlushDeferred retries every buffered outcome in place, keeping only the
// ones that still cannot be written. No outcome is ever dropped: a result
// survives in the deferred list until its store accepts it.
func (f *Finalizer) FlushDeferred(ctx context.Context, deferred []DeferredUpdate) []DeferredUpdate {
	if len(deferred) == 0 {
		return deferred
	}

	remaining := deferred[:0]
	for _, d := range deferred {
		if again := f.FinalizeJob(ctx, d.Job, d.Result); again != nil {
			remaining = append(remaining, *again)
			continue
		}
		log.Info().
			Int64("job_id", d.Job.ID).
			Str("sample_id", d.Job.SampleID).
			Msg("Flushed deferred job outcome")
	}
	return remaining
}

func (f *Finalizer) refreshProgress(ctx context.Context, st *store.Store, job ClaimedJob) {
	p, err := st.CurrentProgress(ctx)
	if err != nil {
		log.Debug().
			Err(err).
			Str("root", job.SourceRoot).
			Msg("Failed to refresh progress after finalize")
		return
	}
	f.progress.Update(job.SourceID, p)
}
