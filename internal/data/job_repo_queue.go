package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/data/pgxutil"
	"github.com/target/researchq/internal/domain/model"
)

const leaseNextSQL = `
  WITH cte AS (
    SELECT id FROM jobs
    WHERE status = 'pending' AND scheduled_at <= $1
    ORDER BY priority DESC, scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'running',
    started_at = COALESCE(j.started_at, $1),
    lease_owner = $2,
    lease_expires_at = $3,
    updated_at = $1
  FROM cte
  WHERE j.id = cte.id
  RETURNING ` + qualifiedJobColumns

const qualifiedJobColumns = `j.id, j.asset, j.client_id, j.status, j.priority, j.scheduled_at, j.started_at,
  j.completed_at, j.retry_count, j.max_retries, j.last_error, j.error_kind, j.lease_owner,
  j.lease_expires_at, j.created_at, j.updated_at`

// Enqueue validates and inserts a pending job, then notifies listening workers.
// It is the transactional store's save-job operation.
func (r *JobRepo) Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	scheduledAt := req.EffectiveScheduledAt(now)

	var created *model.Job
	err := pgxutil.InTx(ctx, r.DB, nil, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			INSERT INTO jobs (id, asset, client_id, status, priority, scheduled_at, max_retries, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', $4, $5, $6, $7, $7)
			RETURNING `+jobColumns,
			uuid.NewString(), req.Asset, req.ClientID, req.Priority, scheduledAt, req.EffectiveMaxRetries(), now)
		j, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, jobsChannel, j.ID); err != nil {
			return fmt.Errorf("send job notification: %w", err)
		}
		created = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Lease claims the next visible job for workerID. Expired leases are reclaimed first.
func (r *JobRepo) Lease(ctx context.Context, workerID string, visibility time.Duration) (*model.Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	if _, err := r.RequeueExpiredLeases(ctx); err != nil {
		return nil, fmt.Errorf("requeue expired leases: %w", err)
	}

	lease := r.leases.Resolve(visibility).Duration
	var leased *model.Job
	err := pgxutil.InTx(ctx, r.DB, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(tx *sql.Tx) error {
		now := r.now()
		j, err := scanJob(tx.QueryRowContext(ctx, leaseNextSQL, now, workerID, now.Add(lease)))
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNoJobsAvailable
		}
		if err != nil {
			return fmt.Errorf("lease job: %w", err)
		}
		leased = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Ack acknowledges delivery. A running job is completed only when its report
// already exists; a completed job is acknowledged as a no-op.
func (r *JobRepo) Ack(ctx context.Context, jobID, workerID string) (bool, error) {
	if !validJobID(jobID) {
		return false, nil
	}
	now := r.now()
	var status string
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = 'completed',
		    completed_at = COALESCE(completed_at, $3),
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND (
		    status = 'completed'
		    OR (status = 'running' AND lease_owner = $2
		        AND EXISTS (SELECT 1 FROM research_reports WHERE job_id = $1))
		  )
		RETURNING status
	`, jobID, workerID, now).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ack job: %w", err)
	}
	return true, nil
}

// Nack records a failed attempt. The retry count always increases; the job
// returns to pending while budget remains unless opts.Terminal is set.
func (r *JobRepo) Nack(ctx context.Context, jobID, workerID string, opts core.NackOptions) (*core.NackResult, error) {
	if !validJobID(jobID) {
		return nil, model.ErrLeaseLost
	}
	delay := opts.Delay
	if opts.Disposition == core.NackDeadLetter && delay <= 0 {
		delay = r.cfg.RetryDelay
	}
	now := r.now()

	var res core.NackResult
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET
		  retry_count = retry_count + 1,
		  last_error = $3,
		  error_kind = $4,
		  status = CASE WHEN $5::boolean OR retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		  completed_at = CASE WHEN $5::boolean OR retry_count + 1 >= max_retries THEN $6::timestamptz ELSE NULL END,
		  scheduled_at = CASE WHEN $5::boolean OR retry_count + 1 >= max_retries THEN scheduled_at ELSE $7::timestamptz END,
		  lease_owner = NULL,
		  lease_expires_at = NULL,
		  updated_at = $6
		WHERE id = $1 AND status = 'running' AND lease_owner = $2
		RETURNING status, retry_count
	`, jobID, workerID, nullString(opts.Reason), string(opts.Kind), opts.Terminal, now, now.Add(delay)).
		Scan(&res.Status, &res.RetryCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrLeaseLost
	}
	if err != nil {
		return nil, fmt.Errorf("nack job: %w", err)
	}
	return &res, nil
}

// ExtendLease pushes the lease expiry forward while workerID still owns the job.
func (r *JobRepo) ExtendLease(ctx context.Context, jobID, workerID string, visibility time.Duration) (bool, error) {
	if !validJobID(jobID) {
		return false, nil
	}
	lease := r.leases.Resolve(visibility).Duration
	now := r.now()

	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3,
		    updated_at = $4
		WHERE id = $1 AND status = 'running' AND lease_owner = $2
	`, jobID, workerID, now.Add(lease), now)
	if err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lease rows affected: %w", err)
	}
	return n > 0, nil
}

// Withdraw deletes a pending job. Jobs in any other state are left untouched.
func (r *JobRepo) Withdraw(ctx context.Context, jobID string) error {
	if !validJobID(jobID) {
		return model.ErrJobNotFound
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return fmt.Errorf("withdraw job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("withdraw rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	if _, err := r.GetJob(ctx, jobID); err != nil {
		return err
	}
	return model.ErrJobNotWithdrawable
}

// Depth returns the number of pending jobs, including those scheduled for later.
func (r *JobRepo) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// WaitForNotification blocks until a job is enqueued or ctx ends.
func (r *JobRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	quoted := pgx.Identifier{jobsChannel}.Sanitize()
	if _, err := conn.ExecContext(ctx, "LISTEN "+quoted); err != nil {
		return fmt.Errorf("listen %s: %w", jobsChannel, err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), "UNLISTEN "+quoted)
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

var _ core.JobQueue = (*JobRepo)(nil)
