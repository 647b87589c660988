package scheduler

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
)

// Analyzer processes one claimed sample and returns nil on success. The
// returned error becomes the job's persisted failure message.
type Analyzer interface {
	Analyze(ctx context.Context, job ClaimedJob) error
}

// AnalyzerFunc adapts a function to the Analyzer interface.
type AnalyzerFunc func(ctx context.Context, job ClaimedJob) error

// Analyze implements Analyzer.
func (f AnalyzerFunc) Analyze(ctx context.Context, job ClaimedJob) error {
	return f(ctx, job)
}

// DefaultStaleThreshold is how long a running job may go without a heartbeat
// before the sweeper reclaims it. Kept an order of magnitude above the lease
// interval so one missed beat never causes a false reclaim.
const DefaultStaleThreshold = 60 * time.Second

// DefaultWorkerCount sizes the pool for a desktop host: enough parallelism
// to keep cores busy without starving the foreground application.
func DefaultWorkerCount() int {
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	if n > 8 {
		n = 8
	}
	return n
}

// WorkerPoolConfig tunes the pool; zero values fall back to defaults.
type WorkerPoolConfig struct {
	Workers          int
	LeaseInterval    time.Duration
	StaleThreshold   time.Duration
	InflightCapacity int
}

// WorkerPool claims jobs across every open source and runs them through the
// analyzer. One pool owns the selector, the inflight set, the finalizer and
// the deferred-outcome buffer for the whole process.
type WorkerPool struct {
	registry *sources.Registry
	analyzer Analyzer

	workers        int
	leaseInterval  time.Duration
	staleThreshold time.Duration

	selector *Selector
	handles  *HandleCache
	inflight *Inflight
	progress *ProgressCache
	wake     *Wakeup
	final    *Finalizer

	mu        sync.Mutex
	allowed   SourceFilter
	deferred  []DeferredUpdate
	recovered map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWorkerPool creates a pool over the given source registry and analyzer.
func NewWorkerPool(registry *sources.Registry, analyzer Analyzer, cfg WorkerPoolConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount()
	}
	if cfg.LeaseInterval <= 0 {
		cfg.LeaseInterval = DefaultLeaseInterval
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}

	handles := NewHandleCache()
	inflight := NewInflight(cfg.InflightCapacity)
	progress := NewProgressCache()
	wake := NewWakeup()

	return &WorkerPool{
		registry:       registry,
		analyzer:       analyzer,
		workers:        cfg.Workers,
		leaseInterval:  cfg.LeaseInterval,
		staleThreshold: cfg.StaleThreshold,
		selector:       NewSelector(),
		handles:        handles,
		inflight:       inflight,
		progress:       progress,
		wake:           wake,
		final:          NewFinalizer(handles, inflight, progress, wake),
		recovered:      make(map[string]bool),
		stopCh:         make(chan struct{}),
	}
}

// Progress exposes the pool's per-source progress cache.
func (wp *WorkerPool) Progress() *ProgressCache {
	return wp.progress
}

// Wake exposes the pool's wakeup signal so producers (enqueuers, the source
// refresher) can nudge idle workers.
func (wp *WorkerPool) Wake() *Wakeup {
	return wp.wake
}

// SetAllowedSources restricts claiming to the given source ids. A nil slice
// removes the restriction.
func (wp *WorkerPool) SetAllowedSources(ids []sources.SourceID) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if ids == nil {
		wp.allowed = nil
		return
	}
	filter := make(SourceFilter, len(ids))
	for _, id := range ids {
		filter[id] = struct{}{}
	}
	wp.allowed = filter
}

func (wp *WorkerPool) allowedFilter() SourceFilter {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return wp.allowed
}

// Start launches the worker goroutines. Call RefreshSources at least once
// (directly or via a schedule) so the selector has contexts to rotate over.
func (wp *WorkerPool) Start(ctx context.Context) {
	log.Info().
		Int("workers", wp.workers).
		Dur("lease_interval", wp.leaseInterval).
		Dur("stale_threshold", wp.staleThreshold).
		Msg("Starting analysis worker pool")

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}
}

// Stop signals every worker and waits for in-progress jobs to finalize.
func (wp *WorkerPool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stopCh)
	})
	wp.wg.Wait()
	wp.handles.Close()
	log.Info().Msg("Analysis worker pool stopped")
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	baseSleep := 200 * time.Millisecond
	maxSleep := 5 * time.Second
	consecutiveEmpty := 0

	for {
		select {
		case <-wp.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := wp.selector.SelectNext(ctx, wp.allowedFilter())
		if err != nil {
			sleep := time.Duration(float64(baseSleep) * math.Pow(1.5, float64(consecutiveEmpty)))
			if sleep > maxSleep {
				sleep = maxSleep
			}
			if consecutiveEmpty < 20 {
				consecutiveEmpty++
			}
			select {
			case <-wp.stopCh:
				return
			case <-ctx.Done():
				return
			case <-wp.wake.C():
			case <-time.After(sleep):
			}
			continue
		}
		consecutiveEmpty = 0

		if !wp.inflight.TryMark(job.ID) {
			// Either a duplicate dispatch or the safety valve tripped;
			// put the row back rather than leave it stuck in running.
			wp.releaseClaim(ctx, job)
			continue
		}

		wp.processJob(ctx, *job, workerID)
	}
}

func (wp *WorkerPool) releaseClaim(ctx context.Context, job *ClaimedJob) {
	claimsReleased.Inc()
	st, err := wp.handles.Get(ctx, job.SourceRoot)
	if err == nil {
		err = st.MarkPending(ctx, job.ID)
	}
	if err != nil {
		log.Error().
			Err(err).
			Int64("job_id", job.ID).
			Str("sample_id", job.SampleID).
			Msg("Failed to release claim")
	}
}

func (wp *WorkerPool) processJob(ctx context.Context, job ClaimedJob, workerID int) {
	var lease *Lease
	if job.JobType == store.JobTypeAnalyzeSample {
		if st, err := wp.handles.Get(ctx, job.SourceRoot); err == nil {
			lease = StartLease(st, job.ID, wp.leaseInterval)
		} else {
			log.Warn().
				Err(err).
				Int64("job_id", job.ID).
				Msg("Could not start heartbeat lease, job may be reclaimed if slow")
		}
	}

	start := time.Now()
	result := wp.runAnalyzer(ctx, job)
	if lease != nil {
		lease.Stop()
	}

	if result != nil {
		log.Warn().
			Err(result).
			Int("worker_id", workerID).
			Int64("job_id", job.ID).
			Str("sample_id", job.SampleID).
			Dur("duration", time.Since(start)).
			Msg("Sample analysis failed")
	} else {
		log.Debug().
			Int("worker_id", workerID).
			Int64("job_id", job.ID).
			Str("sample_id", job.SampleID).
			Dur("duration", time.Since(start)).
			Msg("Sample analysis complete")
	}

	if d := wp.final.FinalizeJob(ctx, job, result); d != nil {
		wp.mu.Lock()
		wp.deferred = append(wp.deferred, *d)
		wp.mu.Unlock()
	}
}

// runAnalyzer isolates analyzer panics: a crash in one sample's analysis
// becomes that job's failure, not the process's.
func (wp *WorkerPool) runAnalyzer(ctx context.Context, job ClaimedJob) (result error) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("analyzer panic: %v", r)
			log.Error().
				Interface("panic", r).
				Int64("job_id", job.ID).
				Str("sample_id", job.SampleID).
				Msg("Recovered from analyzer panic")
		}
	}()
	return wp.analyzer.Analyze(ctx, job)
}

// RefreshSources re-reads the registry, opens stores for sources whose roots
// exist, and swaps the selector's rotation universe. The first time a root is
// seen after process start it also runs restart recovery: running rows are
// reset to pending (their workers died with the previous process) and rows
// belonging to other sources are pruned.
func (wp *WorkerPool) RefreshSources(ctx context.Context) {
	active := wp.registry.ActiveSources()
	contexts := make([]*SourceContext, 0, len(active))
	activeRoots := make(map[string]bool, len(active))

	for _, src := range active {
		activeRoots[src.Root] = true
		st, err := wp.handles.Get(ctx, src.Root)
		if err != nil {
			log.Debug().
				Err(err).
				Str("source_id", src.ID.String()).
				Str("root", src.Root).
				Msg("Source store unavailable, skipping this refresh")
			continue
		}

		if err := wp.recoverOnce(ctx, src, st); err != nil {
			log.Warn().
				Err(err).
				Str("source_id", src.ID.String()).
				Str("root", src.Root).
				Msg("Restart recovery failed, skipping source this refresh")
			wp.handles.Evict(src.Root)
			continue
		}

		contexts = append(contexts, &SourceContext{Source: src, Store: st})
	}

	// Sources removed from the registry lose their cached handle and their
	// progress snapshot.
	for _, sc := range wp.selector.Contexts() {
		if !activeRoots[sc.Source.Root] {
			wp.handles.Evict(sc.Source.Root)
			wp.progress.Delete(sc.Source.ID)
		}
	}

	wp.selector.SetContexts(contexts)
	if len(contexts) > 0 {
		wp.wake.Notify()
	}
}

// recoverOnce runs the per-root restart recovery exactly once per process
// lifetime. A root that errors stays unrecovered and is retried on the next
// refresh.
func (wp *WorkerPool) recoverOnce(ctx context.Context, src sources.Source, st *store.Store) error {
	wp.mu.Lock()
	done := wp.recovered[src.Root]
	wp.mu.Unlock()
	if done {
		return nil
	}

	// Leases that expired before the previous process died are real
	// failures; everything else running was orphaned by the restart.
	swept, err := st.SweepStale(ctx, time.Now().Add(-wp.staleThreshold))
	if err != nil {
		return fmt.Errorf("failed to sweep stale jobs: %w", err)
	}
	if swept > 0 {
		jobsSweptStale.Add(float64(swept))
	}
	reset, err := st.ResetRunningToPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to reset running jobs: %w", err)
	}
	pruned, err := st.PruneForeignJobs(ctx, src.ID)
	if err != nil {
		return fmt.Errorf("failed to prune foreign jobs: %w", err)
	}
	if reset > 0 || pruned > 0 {
		log.Info().
			Str("source_id", src.ID.String()).
			Str("root", src.Root).
			Int64("reset_to_pending", reset).
			Int64("pruned_foreign", pruned).
			Msg("Recovered job store after restart")
	}

	if p, err := st.CurrentProgress(ctx); err == nil {
		wp.progress.Update(src.ID, p)
	}

	wp.mu.Lock()
	wp.recovered[src.Root] = true
	wp.mu.Unlock()
	return nil
}

// SweepStaleAll reclaims expired leases in every open source store. Jobs
// whose worker stopped heartbeating longer than the stale threshold ago are
// marked failed so the backlog never wedges on a crashed worker.
func (wp *WorkerPool) SweepStaleAll(ctx context.Context) {
	cutoff := time.Now().Add(-wp.staleThreshold)
	for _, sc := range wp.selector.Contexts() {
		swept, err := sc.Store.SweepStale(ctx, cutoff)
		if err != nil {
			log.Warn().
				Err(err).
				Str("source_id", sc.Source.ID.String()).
				Msg("Stale sweep failed")
			continue
		}
		if swept > 0 {
			jobsSweptStale.Add(float64(swept))
			if p, err := sc.Store.CurrentProgress(ctx); err == nil {
				wp.progress.Update(sc.Source.ID, p)
			}
			wp.wake.Notify()
		}
	}
}

// FlushDeferred retries every buffered finalize outcome against its store.
func (wp *WorkerPool) FlushDeferred(ctx context.Context) {
	wp.mu.Lock()
	pending := wp.deferred
	wp.deferred = nil
	wp.mu.Unlock()

	remaining := wp.final.FlushDeferred(ctx, pending)

	if len(remaining) > 0 {
		wp.mu.Lock()
		// New deferrals may have accumulated while flushing.
		wp.deferred = append(remaining, wp.deferred...)
		wp.mu.Unlock()
	}
}

// DeferredCount reports how many outcomes are waiting for their store to
// come back.
func (wp *WorkerPool) DeferredCount() int {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	return len(wp.deferred)
}
