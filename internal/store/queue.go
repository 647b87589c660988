package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/grainhouse/grainhouse/internal/sources"
	"github.com/rs/zerolog/log"
)

// JobStatus is the lifecycle state of a job row.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
)

// JobTypeAnalyzeSample is the long-running analysis job kind; claims of this
// type get a heartbeat lease.
const JobTypeAnalyzeSample = "analyze_sample"

// StaleLeaseError is the last_error written when the sweeper reclaims an
// abandoned claim.
const StaleLeaseError = "analysis lease expired: worker heartbeat timed out"

// ErrJobNotFound is returned when an operation names a job row that does not
// exist in this store.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of analysis work.
type Job struct {
	ID           int64
	SampleID     string
	SourceID     sources.SourceID
	RelativePath string
	JobType      string
	ContentHash  string
	Status       JobStatus
	Attempts     int
	CreatedAt    int64
	RunningAt    int64 // zero when not running
	LastError    string
}

// Progress is the per-source counter snapshot exposed to display layers.
type Progress struct {
	Pending                 int `json:"pending"`
	Running                 int `json:"running"`
	Done                    int `json:"done"`
	Failed                  int `json:"failed"`
	SamplesTotal            int `json:"samples_total"`
	SamplesPendingOrRunning int `json:"samples_pending_or_running"`
}

// SampleRef identifies a sample to enqueue work for.
type SampleRef struct {
	SourceID     sources.SourceID
	RelativePath string
	ContentHash  string
}

// Enqueue inserts pending rows for the given samples. Already-enqueued
// (sample_id, job_type) pairs are left untouched; the returned count is the
// number of rows actually inserted.
func (s *Store) Enqueue(ctx context.Context, refs []SampleRef, jobType string, now time.Time) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	inserted := 0
	err := s.execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO analysis_jobs (sample_id, source_id, relative_path, job_type, content_hash, status, attempts, created_at)
			VALUES (?, ?, ?, ?, ?, 'pending', 0, ?)
			ON CONFLICT (sample_id, job_type) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare enqueue statement: %w", err)
		}
		defer stmt.Close()

		for _, ref := range refs {
			sampleID := sources.BuildSampleID(ref.SourceID, ref.RelativePath)
			var hash any
			if ref.ContentHash != "" {
				hash = ref.ContentHash
			}
			res, err := stmt.ExecContext(ctx, sampleID, string(ref.SourceID), ref.RelativePath, jobType, hash, now.Unix())
			if err != nil {
				return fmt.Errorf("failed to enqueue job for %s: %w", sampleID, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				inserted += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// ClaimNextPending atomically selects the oldest pending row, marks it
// running with a fresh lease timestamp and an incremented attempt count, and
// returns it. Returns (nil, nil) when no pending work exists.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	var job Job

	err := s.execute(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, sample_id, source_id, relative_path, job_type, content_hash, attempts, created_at
			FROM analysis_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		`)

		var hash sql.NullString
		err := row.Scan(&job.ID, &job.SampleID, &job.SourceID, &job.RelativePath, &job.JobType, &hash, &job.Attempts, &job.CreatedAt)
		if err == sql.ErrNoRows {
			return sql.ErrNoRows
		}
		if err != nil {
			return fmt.Errorf("failed to query next pending job: %w", err)
		}
		job.ContentHash = hash.String

		now := time.Now().Unix()
		res, err := tx.ExecContext(ctx, `
			UPDATE analysis_jobs
			SET status = 'running', running_at = ?, attempts = attempts + 1
			WHERE id = ? AND status = 'pending'
		`, now, job.ID)
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return sql.ErrNoRows
		}

		job.Status = JobStatusRunning
		job.RunningAt = now
		job.Attempts++
		return nil
	})

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// MarkPending releases a claimed row back to pending, clearing its lease.
// Used when a claim turns out to be ineligible (e.g. filtered out) so the job
// is released, never dropped.
func (s *Store) MarkPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'pending', running_at = NULL
		WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark job pending: %w", err)
	}
	return nil
}

// Heartbeat refreshes a running row's lease timestamp. A row that is no
// longer running is left untouched.
func (s *Store) Heartbeat(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET running_at = ?
		WHERE id = ? AND status = 'running'
	`, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	return nil
}

// Finalize writes a terminal status for a job. Success clears last_error;
// failure records the reason. Returns ErrJobNotFound when the row is missing.
func (s *Store) Finalize(ctx context.Context, id int64, status JobStatus, lastError string) error {
	if status != JobStatusDone && status != JobStatusFailed {
		return fmt.Errorf("cannot finalize job %d to non-terminal status %q", id, status)
	}

	var res sql.Result
	var err error
	if status == JobStatusDone {
		res, err = s.db.ExecContext(ctx, `
			UPDATE analysis_jobs
			SET status = 'done', running_at = NULL, last_error = NULL
			WHERE id = ?
		`, id)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE analysis_jobs
			SET status = 'failed', running_at = NULL, last_error = ?
			WHERE id = ?
		`, lastError, id)
	}
	if err != nil {
		return fmt.Errorf("failed to finalize job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("failed to finalize job %d: %w", id, ErrJobNotFound)
	}
	return nil
}

// SweepStale transitions running rows whose lease timestamp is older than
// olderThan to failed, recording a lease-expiry reason. This is the sole
// recovery path for claims abandoned by dead workers or processes.
func (s *Store) SweepStale(ctx context.Context, olderThan time.Time) (int64, error) {
	span := sentry.StartSpan(ctx, "store.sweep_stale")
	defer span.Finish()

	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'failed', last_error = ?, running_at = NULL
		WHERE status = 'running' AND (running_at IS NULL OR running_at < ?)
	`, StaleLeaseError, olderThan.Unix())
	if err != nil {
		span.SetTag("error", "true")
		span.SetData("error.message", err.Error())
		return 0, fmt.Errorf("failed to sweep stale jobs: %w", err)
	}

	changed, _ := res.RowsAffected()
	if changed > 0 {
		log.Info().
			Int64("jobs_failed", changed).
			Str("source_root", s.root).
			Msg("Swept stale running jobs")
	}
	return changed, nil
}

// ResetRunningToPending returns every running row to pending. Called once per
// process lifetime when a store is first opened: any claim left over belongs
// to a previous process whose inflight set died with it.
func (s *Store) ResetRunningToPending(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE analysis_jobs
		SET status = 'pending', running_at = NULL
		WHERE status = 'running'
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to reset running jobs: %w", err)
	}
	changed, _ := res.RowsAffected()
	return changed, nil
}

// PruneForeignJobs deletes rows whose sample id names a different source than
// the store's owner. Guards against stores copied between roots.
func (s *Store) PruneForeignJobs(ctx context.Context, owner sources.SourceID) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM analysis_jobs
		WHERE source_id != ?
	`, string(owner))
	if err != nil {
		return 0, fmt.Errorf("failed to prune foreign jobs: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		log.Info().
			Int64("jobs_removed", removed).
			Str("source_id", owner.String()).
			Msg("Pruned jobs belonging to other sources")
	}
	return removed, nil
}

// CurrentProgress reports per-status counts plus distinct-sample coverage for
// this store.
func (s *Store) CurrentProgress(ctx context.Context) (Progress, error) {
	var progress Progress

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM analysis_jobs
		GROUP BY status
	`)
	if err != nil {
		return progress, fmt.Errorf("failed to query job progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return progress, fmt.Errorf("failed to scan job progress: %w", err)
		}
		switch JobStatus(status) {
		case JobStatusPending:
			progress.Pending = count
		case JobStatusRunning:
			progress.Running = count
		case JobStatusDone:
			progress.Done = count
		case JobStatusFailed:
			progress.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return progress, fmt.Errorf("failed to read job progress: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT sample_id),
		       COUNT(DISTINCT CASE WHEN status IN ('pending', 'running') THEN sample_id END)
		FROM analysis_jobs
	`).Scan(&progress.SamplesTotal, &progress.SamplesPendingOrRunning)
	if err != nil {
		return progress, fmt.Errorf("failed to query sample coverage: %w", err)
	}
	return progress, nil
}

// GetJob fetches a single row by id, mainly for tests and jobctl.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	var job Job
	var hash, lastError sql.NullString
	var runningAt sql.NullInt64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, sample_id, source_id, relative_path, job_type, content_hash,
		       status, attempts, created_at, running_at, last_error
		FROM analysis_jobs
		WHERE id = ?
	`, id).Scan(
		&job.ID, &job.SampleID, &job.SourceID, &job.RelativePath, &job.JobType,
		&hash, &job.Status, &job.Attempts, &job.CreatedAt, &runningAt, &lastError,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get job %d: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	job.ContentHash = hash.String
	job.RunningAt = runningAt.Int64
	job.LastError = lastError.String
	return &job, nil
}
