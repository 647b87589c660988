package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grainhouse/grainhouse/internal/store"
)

func newMockStore(t *testing.T) (*store.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWithDB(db, "/tmp/mock-root"), mock
}

func TestClaimNextPendingEmptyQueue(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, sample_id, source_id`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "sample_id", "source_id", "relative_path", "job_type", "content_hash", "attempts", "created_at",
		}))
	mock.ExpectRollback()

	job, err := st.ClaimNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingLostRace(t *testing.T) {
	st, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{
		"id", "sample_id", "source_id", "relative_path", "job_type", "content_hash", "attempts", "created_at",
	}).AddRow(7, "src::a.wav", "src", "a.wav", store.JobTypeAnalyzeSample, nil, 0, time.Now().Unix())

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, sample_id, source_id`).WillReturnRows(rows)
	// Another claimer got the row between select and update.
	mock.ExpectExec(`UPDATE analysis_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	job, err := st.ClaimNextPending(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueRollsBackOnInsertError(t *testing.T) {
	st, mock := newMockStore(t)

	boom := errors.New("disk I/O error")
	mock.ExpectBegin()
	mock.ExpectPrepare(`INSERT INTO analysis_jobs`).
		ExpectExec().
		WillReturnError(boom)
	mock.ExpectRollback()

	_, err := st.Enqueue(context.Background(), []store.SampleRef{
		{SourceID: "src", RelativePath: "a.wav"},
	}, store.JobTypeAnalyzeSample, time.Now())
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatWrapsExecError(t *testing.T) {
	st, mock := newMockStore(t)

	boom := errors.New("database is locked")
	mock.ExpectExec(`UPDATE analysis_jobs`).WillReturnError(boom)

	err := st.Heartbeat(context.Background(), 1, time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to heartbeat job")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSweepStaleWrapsExecError(t *testing.T) {
	st, mock := newMockStore(t)

	boom := errors.New("database is locked")
	mock.ExpectExec(`UPDATE analysis_jobs`).WillReturnError(boom)

	_, err := st.SweepStale(context.Background(), time.Now())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "failed to sweep stale jobs")
	assert.NoError(t, mock.ExpectationsWereMet())
}
