package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
)

// GetJob retrieves a job by its ID.
func (r *JobRepo) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	if !validJobID(jobID) {
		return nil, model.ErrJobNotFound
	}
	j, err := scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// UpdateStatus applies a guarded status transition. Leasing and completion have
// their own paths (Lease and ReportRepo.SaveReport), so only moves to pending or
// failed are accepted here.
func (r *JobRepo) UpdateStatus(ctx context.Context, jobID string, params core.UpdateStatusParams) error {
	if !model.CanUpdateStatus(params.From, params.To) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.From, params.To)
	}
	if !validJobID(jobID) {
		return model.ErrJobNotFound
	}

	now := r.now()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs
		SET status = $3,
		    last_error = COALESCE($4, last_error),
		    error_kind = $5,
		    completed_at = CASE WHEN $3 = 'failed' THEN $6::timestamptz ELSE completed_at END,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    updated_at = $6
		WHERE id = $1 AND status = $2
	`, jobID, params.From, params.To, params.LastError, string(params.ErrorKind), now)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job status rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	current, err := r.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: job is %s, expected %s", model.ErrInvalidTransition, current.Status, params.From)
}

// Stats returns the number of jobs in each status.
func (r *JobRepo) Stats(ctx context.Context) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'completed') AS completed,
    count(*) FILTER (WHERE status = 'failed')    AS failed
  FROM jobs
  `).Scan(&s.Pending, &s.Running, &s.Completed, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

var _ core.JobStore = (*JobRepo)(nil)
