package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoWork means every open source was visited and none had an
	// eligible pending job.
	ErrNoWork = errors.New("no eligible pending jobs")
	// ErrNoSources means there was no source whose store could be used:
	// either none are open, or every claim attempt errored.
	ErrNoSources = errors.New("no sources available for claiming")
)

// ClaimedJob is a job row together with the root of the store it came from,
// which is everything a worker needs to process and finalize it.
type ClaimedJob struct {
	store.Job
	SourceRoot string
}

// SourceFilter restricts claiming to an allowed set of source ids. A nil
// filter allows every source.
type SourceFilter map[sources.SourceID]struct{}

// Allows reports whether the job passes the filter. A sample id that cannot
// be parsed is allowed: starving a job over a malformed key is worse than
// analysing it.
func (f SourceFilter) Allows(job *store.Job) bool {
	if f == nil {
		return true
	}
	sourceID, _, err := sources.ParseSampleID(job.SampleID)
	if err != nil {
		return true
	}
	_, ok := f[sourceID]
	return ok
}

// SourceContext pairs a source with its open job store; the set of open
// contexts is the universe the selector rotates over.
type SourceContext struct {
	Source sources.Source
	Store  *store.Store
}

// Selector picks the next job to dispatch, round-robining fairly across all
// open source contexts regardless of how unevenly backlog is distributed.
type Selector struct {
	mu       sync.Mutex
	contexts []*SourceContext
	cursor   int
}

// NewSelector creates an empty selector.
func NewSelector() *Selector {
	return &Selector{}
}

// SetContexts replaces the rotation universe. The cursor carries over and is
// re-derived modulo the new length at the next call, so removal mid-rotation
// cannot panic.
func (s *Selector) SetContexts(contexts []*SourceContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contexts = contexts
}

// Contexts returns a snapshot of the current rotation universe.
func (s *Selector) Contexts() []*SourceContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SourceContext, len(s.contexts))
	copy(out, s.contexts)
	return out
}

// SelectNext claims the next eligible pending job. Starting from the context
// after the last one that yielded, it visits each context at most once:
// a claimed job whose source the filter excludes is released back to pending
// and the rotation continues; a context whose store errors is skipped. With N
// sources each holding eligible work, N consecutive calls return one job from
// each source in rotation order.
//
// Returns ErrNoWork when every usable context was empty, and ErrNoSources
// when there were no contexts or every one of them errored.
func (s *Selector) SelectNext(ctx context.Context, allowed SourceFilter) (*ClaimedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.contexts)
	if n == 0 {
		return nil, ErrNoSources
	}

	errored := 0
	for i := 0; i < n; i++ {
		idx := (s.cursor + i) % n
		sc := s.contexts[idx]

		job, err := sc.Store.ClaimNextPending(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("source_id", sc.Source.ID.String()).
				Str("root", sc.Source.Root).
				Msg("Claim failed, skipping source this rotation")
			errored++
			continue
		}
		if job == nil {
			continue
		}

		if !allowed.Allows(job) {
			// Release unclaimed: the job stays pending for whoever is
			// allowed to take it.
			claimsReleased.Inc()
			if err := sc.Store.MarkPending(ctx, job.ID); err != nil {
				log.Error().
					Err(err).
					Int64("job_id", job.ID).
					Str("sample_id", job.SampleID).
					Msg("Failed to release filtered claim")
			}
			continue
		}

		s.cursor = (idx + 1) % n
		jobsClaimed.Inc()
		return &ClaimedJob{Job: *job, SourceRoot: sc.Source.Root}, nil
	}

	if errored == n {
		return nil, ErrNoSources
	}
	return nil, ErrNoWork
}
