package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/data/pgxutil"
	"github.com/target/researchq/internal/domain/model"
)

// Advisory lock namespace for queue maintenance. Two-arg
// pg_try_advisory_xact_lock(major, minor) keeps the keys apart from other users.
const (
	advisoryLockMajor          = 1000
	advisoryLockRequeueExpired = 1
	advisoryLockFailPending    = 2
	advisoryLockDeleteOld      = 3
)

// withMaintenanceLock runs fn inside a transaction holding the given advisory
// lock. When another instance holds the lock fn is skipped and 0 is returned.
func (r *JobRepo) withMaintenanceLock(ctx context.Context, minor int, fn func(tx *sql.Tx) (sql.Result, error)) (int64, error) {
	var rowsAffected int64
	err := pgxutil.InTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		locked, err := pgxutil.TryXactLock(ctx, tx, advisoryLockMajor, minor)
		if err != nil || !locked {
			return err
		}
		res, err := fn(tx)
		if err != nil {
			return err
		}
		rowsAffected, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// RequeueExpiredLeases returns running jobs with lapsed leases to pending. The
// lapse counts as an attempt, so a job that keeps crashing its worker ends failed.
func (r *JobRepo) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	return r.withMaintenanceLock(ctx, advisoryLockRequeueExpired, func(tx *sql.Tx) (sql.Result, error) {
		now := r.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET retry_count = retry_count + 1,
			    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
			    completed_at = CASE WHEN retry_count + 1 >= max_retries THEN $1::timestamptz ELSE NULL END,
			    last_error = 'lease expired before the job was acknowledged',
			    error_kind = $2,
			    lease_owner = NULL,
			    lease_expires_at = NULL,
			    updated_at = $1
			WHERE status = 'running'
			  AND lease_expires_at < $1
		`, now, string(model.ErrorKindLeaseExpired))
		if err != nil {
			return nil, fmt.Errorf("requeue expired: %w", err)
		}
		return res, nil
	})
}

// FailStalePendingJobs marks pending jobs older than maxAge as failed.
// Processes up to batchSize jobs per call to prevent long locks and I/O spikes.
func (r *JobRepo) FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 || batchSize <= 0 {
		return 0, errors.New("max age and batch size must be greater than zero")
	}
	return r.withMaintenanceLock(ctx, advisoryLockFailPending, func(tx *sql.Tx) (sql.Result, error) {
		now := r.now()
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = 'failed',
			    last_error = 'job timed out in pending status',
			    error_kind = $4,
			    completed_at = $1,
			    updated_at = $1
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = 'pending'
				  AND created_at < $2
				ORDER BY created_at
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
		`, now, now.Add(-maxAge), batchSize, string(model.ErrorKindStalePending))
		if err != nil {
			return nil, fmt.Errorf("fail stale pending jobs: %w", err)
		}
		return res, nil
	})
}

// DeleteOldJobs deletes terminal jobs older than maxAge. Reports go with them
// through the foreign key cascade.
func (r *JobRepo) DeleteOldJobs(ctx context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("invalid job status for deletion: %s", params.Status)
	}
	if params.MaxAge <= 0 || params.BatchSize <= 0 {
		return 0, errors.New("max age and batch size must be greater than zero")
	}
	return r.withMaintenanceLock(ctx, advisoryLockDeleteOld, func(tx *sql.Tx) (sql.Result, error) {
		cutoff := r.now().Add(-params.MaxAge)
		res, err := tx.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = $1
				  AND (completed_at < $2 OR (completed_at IS NULL AND updated_at < $2))
				ORDER BY COALESCE(completed_at, updated_at)
				LIMIT $3
			)
		`, params.Status, cutoff, params.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("delete old jobs: %w", err)
		}
		return res, nil
	})
}

var _ core.ReaperRepository = (*JobRepo)(nil)
