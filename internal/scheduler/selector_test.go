package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/grainhouse/grainhouse/internal/store"
	"github.com/grainhouse/grainhouse/internal/testutil"
)

func TestSelectNextEmptySelector(t *testing.T) {
	sel := NewSelector()
	_, err := sel.SelectNext(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestSelectNextRoundRobinAcrossSources(t *testing.T) {
	srcA := sources.Source{ID: "A", Root: testutil.SampleRoot(t, "a.wav", "a2.wav")}
	srcB := sources.Source{ID: "B", Root: testutil.SampleRoot(t, "b.wav", "b2.wav")}

	stA, err := store.Open(srcA.Root)
	require.NoError(t, err)
	t.Cleanup(func() { stA.Close() })
	stB, err := store.Open(srcB.Root)
	require.NoError(t, err)
	t.Cleanup(func() { stB.Close() })

	testutil.SeedJobs(t, stA, srcA, "a.wav", "a2.wav")
	testutil.SeedJobs(t, stB, srcB, "b.wav", "b2.wav")

	sel := NewSelector()
	sel.SetContexts([]*SourceContext{
		{Source: srcA, Store: stA},
		{Source: srcB, Store: stB},
	})

	ctx := context.Background()
	var claimed []string
	for i := 0; i < 4; i++ {
		job, err := sel.SelectNext(ctx, nil)
		require.NoError(t, err)
		claimed = append(claimed, job.SampleID)
	}

	// With work in both sources, claims alternate A, B, A, B regardless of
	// backlog depth in either.
	assert.Equal(t, []string{"A::a.wav", "B::b.wav", "A::a2.wav", "B::b2.wav"}, claimed)

	_, err = sel.SelectNext(ctx, nil)
	assert.ErrorIs(t, err, ErrNoWork)
}

func TestSelectNextSkipsDrainedSource(t *testing.T) {
	srcA, stA := testutil.TempSource(t)
	srcB, stB := testutil.TempSource(t)
	testutil.SeedJobs(t, stA, srcA, "a.wav")
	testutil.SeedJobs(t, stB, srcB, "b.wav", "b2.wav", "b3.wav")

	sel := NewSelector()
	sel.SetContexts([]*SourceContext{
		{Source: srcA, Store: stA},
		{Source: srcB, Store: stB},
	})

	ctx := context.Background()
	var order []sources.SourceID
	for i := 0; i < 4; i++ {
		job, err := sel.SelectNext(ctx, nil)
		require.NoError(t, err)
		order = append(order, job.SourceID)
	}

	// Once A drains, the rotation keeps serving B instead of stalling.
	assert.Equal(t, []sources.SourceID{srcA.ID, srcB.ID, srcB.ID, srcB.ID}, order)
}

func TestSelectNextFilterReleasesNotDrops(t *testing.T) {
	srcA, stA := testutil.TempSource(t)
	srcB, stB := testutil.TempSource(t)
	testutil.SeedJobs(t, stA, srcA, "a.wav")
	testutil.SeedJobs(t, stB, srcB, "b.wav")

	sel := NewSelector()
	sel.SetContexts([]*SourceContext{
		{Source: srcA, Store: stA},
		{Source: srcB, Store: stB},
	})

	ctx := context.Background()
	onlyB := SourceFilter{srcB.ID: {}}

	job, err := sel.SelectNext(ctx, onlyB)
	require.NoError(t, err)
	assert.Equal(t, srcB.ID, job.SourceID)

	// The filtered-out A job went back to pending, not to limbo.
	pA, err := stA.CurrentProgress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pA.Pending)
	assert.Equal(t, 0, pA.Running)

	// Lifting the filter makes the A job claimable again.
	job, err = sel.SelectNext(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, srcA.ID, job.SourceID)
}

func TestSelectNextSkipsErroringSource(t *testing.T) {
	srcA, stA := testutil.TempSource(t)
	srcB, stB := testutil.TempSource(t)
	testutil.SeedJobs(t, stB, srcB, "b.wav")

	// Closing A's store makes its claims error; the rotation must move on.
	require.NoError(t, stA.Close())

	sel := NewSelector()
	sel.SetContexts([]*SourceContext{
		{Source: srcA, Store: stA},
		{Source: srcB, Store: stB},
	})

	job, err := sel.SelectNext(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, srcB.ID, job.SourceID)
}

func TestSelectNextAllSourcesErroring(t *testing.T) {
	srcA, stA := testutil.TempSource(t)
	require.NoError(t, stA.Close())

	sel := NewSelector()
	sel.SetContexts([]*SourceContext{{Source: srcA, Store: stA}})

	_, err := sel.SelectNext(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestSourceFilterAllowsMalformedSampleIDs(t *testing.T) {
	filter := SourceFilter{"known": {}}

	assert.True(t, filter.Allows(&store.Job{SampleID: "no-separator.wav"}))
	assert.True(t, filter.Allows(&store.Job{SampleID: "known::a.wav"}))
	assert.False(t, filter.Allows(&store.Job{SampleID: "other::a.wav"}))

	var nilFilter SourceFilter
	assert.True(t, nilFilter.Allows(&store.Job{SampleID: "other::a.wav"}))
}
