package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhouse/grainhouse/internal/store"
	"github.com/grainhouse/grainhouse/internal/testutil"
)

func TestLeaseKeepsRunningJobFresh(t *testing.T) {
	src, st := testutil.TempSource(t)
	ctx := context.Background()
	testutil.SeedJobs(t, st, src, "slow.wav")

	job, err := st.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Age the lease as if the claim happened long ago.
	require.NoError(t, st.Heartbeat(ctx, job.ID, time.Now().Add(-5*time.Minute)))

	lease := StartLease(st, job.ID, 50*time.Millisecond)
	defer lease.Stop()

	// The immediate first beat refreshes the lease.
	require.Eventually(t, func() bool {
		got, err := st.GetJob(ctx, job.ID)
		return err == nil && time.Since(time.Unix(got.RunningAt, 0)) < time.Minute
	}, 2*time.Second, 10*time.Millisecond)

	// A sweep that would have reclaimed the aged lease now finds nothing.
	swept, err := st.SweepStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusRunning, got.Status)
}

func TestSweepReclaimsJobWithoutLease(t *testing.T) {
	src, st := testutil.TempSource(t)
	ctx := context.Background()
	testutil.SeedJobs(t, st, src, "abandoned.wav")

	job, err := st.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	// No lease running: age the claim and sweep.
	require.NoError(t, st.Heartbeat(ctx, job.ID, time.Now().Add(-5*time.Minute)))

	swept, err := st.SweepStale(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), swept)

	got, err := st.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, got.Status)
	assert.Equal(t, store.StaleLeaseError, got.LastError)
}

func TestLeaseStopJoinsHeartbeatLoop(t *testing.T) {
	src, st := testutil.TempSource(t)
	ctx := context.Background()
	testutil.SeedJobs(t, st, src, "quick.wav")

	job, err := st.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	lease := StartLease(st, job.ID, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		lease.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lease.Stop did not return")
	}
}

func TestLeaseSurvivesStoreErrors(t *testing.T) {
	src, st := testutil.TempSource(t)
	ctx := context.Background()
	testutil.SeedJobs(t, st, src, "flaky.wav")

	job, err := st.ClaimNextPending(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, st.Close())

	// Heartbeats now error every tick; the loop must keep running and Stop
	// must still join cleanly.
	lease := StartLease(st, job.ID, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	lease.Stop()
}
