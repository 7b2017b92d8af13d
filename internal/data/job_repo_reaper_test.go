package data

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/testutil"
)

func TestJobRepo_RequeueExpiredLeases(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		clk := clock.NewFake(time.Now().UTC())
		repo := NewJobRepo(db, RepoConfig{Clock: clk})
		ctx := context.Background()

		job, err := repo.Enqueue(ctx, testutil.JobRequest(testutil.MaxRetries(2)))
		require.NoError(t, err)
		_, err = repo.Lease(ctx, "crashed", 5*time.Second)
		require.NoError(t, err)

		n, err := repo.RequeueExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "unexpired lease must stay")

		clk.Advance(10 * time.Second)
		n, err = repo.RequeueExpiredLeases(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, got.Status)
		assert.Equal(t, 1, got.RetryCount)
		assert.Equal(t, model.ErrorKindLeaseExpired, got.ErrorKind)

		// The original holder can no longer complete the job.
		err = NewReportRepo(ReportRepoOptions{DB: db, Clock: clk}).SaveReport(ctx, core.SaveReportParams{
			JobID: job.ID, WorkerID: "crashed", Report: testutil.NewReport(job.Asset),
		})
		require.ErrorIs(t, err, model.ErrLeaseLost)

		// Second lapse spends the budget; Lease reclaims it implicitly.
		_, err = repo.Lease(ctx, "crashed-again", 5*time.Second)
		require.NoError(t, err)
		clk.Advance(10 * time.Second)
		_, err = repo.Lease(ctx, "next", 5*time.Second)
		require.ErrorIs(t, err, model.ErrNoJobsAvailable)

		got, err = repo.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusFailed, got.Status)
	})
}

func TestJobRepo_FailStalePendingJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	t.Run("fails stale pending jobs", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			ctx := context.Background()

			oldJob, err := repo.Enqueue(ctx, testutil.JobRequest())
			require.NoError(t, err)
			_, err = db.ExecContext(ctx, `UPDATE jobs SET created_at = $1 WHERE id = $2`,
				time.Now().Add(-2*time.Hour), oldJob.ID)
			require.NoError(t, err)

			recentJob, err := repo.Enqueue(ctx, testutil.JobRequest())
			require.NoError(t, err)

			count, err := repo.FailStalePendingJobs(ctx, time.Hour, 1000)
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)

			oldAfter, err := repo.GetJob(ctx, oldJob.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusFailed, oldAfter.Status)
			assert.Equal(t, model.ErrorKindStalePending, oldAfter.ErrorKind)
			require.NotNil(t, oldAfter.LastError)
			assert.Contains(t, *oldAfter.LastError, "timed out in pending status")

			recentAfter, err := repo.GetJob(ctx, recentJob.ID)
			require.NoError(t, err)
			assert.Equal(t, model.JobStatusPending, recentAfter.Status)
		})
	})

	t.Run("rejects invalid arguments", func(t *testing.T) {
		testutil.WithAutoDB(t, func(db *sql.DB) {
			repo := NewJobRepo(db, RepoConfig{})
			_, err := repo.FailStalePendingJobs(context.Background(), 0, 10)
			require.Error(t, err)
			_, err = repo.FailStalePendingJobs(context.Background(), time.Hour, 0)
			require.Error(t, err)
		})
	})
}

func TestJobRepo_DeleteOldJobs(t *testing.T) {
	testutil.SkipIfNoTestDB(t)

	testutil.WithAutoDB(t, func(db *sql.DB) {
		repo := NewJobRepo(db, RepoConfig{})
		reports := NewReportRepo(ReportRepoOptions{DB: db})
		ctx := context.Background()

		job, err := repo.Enqueue(ctx, testutil.JobRequest())
		require.NoError(t, err)
		_, err = repo.Lease(ctx, "w", 30*time.Second)
		require.NoError(t, err)
		require.NoError(t, reports.SaveReport(ctx, core.SaveReportParams{
			JobID: job.ID, WorkerID: "w", Report: testutil.NewReport(job.Asset),
		}))
		_, err = db.ExecContext(ctx, `UPDATE jobs SET completed_at = $1 WHERE id = $2`,
			time.Now().Add(-48*time.Hour), job.ID)
		require.NoError(t, err)

		_, err = repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status: model.JobStatusPending, MaxAge: time.Hour, BatchSize: 10,
		})
		require.Error(t, err, "non-terminal statuses are never deleted")

		n, err := repo.DeleteOldJobs(ctx, core.DeleteOldJobsParams{
			Status: model.JobStatusCompleted, MaxAge: 24 * time.Hour, BatchSize: 10,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = reports.GetReport(ctx, job.ID)
		require.ErrorIs(t, err, model.ErrReportNotFound)
	})
}
