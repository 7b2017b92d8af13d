package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/statsd"
)

// Admitter decides whether a client may submit another job.
type Admitter interface {
	TryAcquire(clientID string, cost int) bool
}

// retryAdvisor is implemented by admitters that can tell a denied client how
// long to wait.
type retryAdvisor interface {
	RetryAfter(clientID string, cost int) time.Duration
}

// JobServiceOptions groups dependencies for JobService.
type JobServiceOptions struct {
	Queue      core.JobQueue    // Required: leased job queue
	Store      core.JobStore    // Required: transactional job records
	Reports    core.ReportStore // Required: persisted reports
	Limiter    Admitter         // Optional: per-client admission control
	Logs       core.LogReader   // Optional: execution traces for Trace
	MaxRetries int              // Optional: default retry budget for new jobs
	Metrics    statsd.Sink      // Optional: admission and lifecycle metrics
	Logger     *slog.Logger     // Optional: structured logger
}

// SubmitOptions carries the optional fields of a research request.
type SubmitOptions struct {
	Priority    int
	ScheduledAt *time.Time
	MaxRetries  int
}

// JobService is the intake for research jobs: it admits, enqueues and reports
// on jobs. It never runs the pipeline itself.
type JobService struct {
	queue      core.JobQueue
	store      core.JobStore
	reports    core.ReportStore
	limiter    Admitter
	logs       core.LogReader
	maxRetries int
	metrics    statsd.Sink
	logger     *slog.Logger
}

// NewJobService constructs a new JobService.
func NewJobService(opts JobServiceOptions) (*JobService, error) {
	if opts.Queue == nil {
		return nil, errors.New("JobQueue is required")
	}
	if opts.Store == nil {
		return nil, errors.New("JobStore is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("ReportStore is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_service")
		logger.Debug("JobService initialized",
			"rate_limited", opts.Limiter != nil,
			"max_retries", opts.MaxRetries,
		)
	}

	return &JobService{
		queue:      opts.Queue,
		store:      opts.Store,
		reports:    opts.Reports,
		limiter:    opts.Limiter,
		logs:       opts.Logs,
		maxRetries: opts.MaxRetries,
		metrics:    opts.Metrics,
		logger:     logger,
	}, nil
}

// MustNewJobService constructs a new JobService and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobService(opts JobServiceOptions) *JobService {
	svc, err := NewJobService(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobService: %v", err))
	}
	return svc
}

// Submit admits and enqueues a research job for asset on behalf of clientID
// and returns the new job id. A denied admission creates no job.
func (s *JobService) Submit(ctx context.Context, asset, clientID string, opts SubmitOptions) (string, error) {
	req := &model.CreateJobRequest{
		Asset:       asset,
		ClientID:    clientID,
		Priority:    opts.Priority,
		ScheduledAt: opts.ScheduledAt,
		MaxRetries:  opts.MaxRetries,
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return "", apperrors.Validation(err.Error())
	}
	if req.MaxRetries == 0 && s.maxRetries > 0 {
		req.MaxRetries = s.maxRetries
	}

	if s.limiter != nil {
		admitted := s.limiter.TryAcquire(req.ClientID, 1)
		metrics.EmitAdmission(s.metrics, admitted)
		if !admitted {
			if s.logger != nil {
				s.logger.DebugContext(ctx, "submission rate limited", "client_id", req.ClientID)
			}
			denied := apperrors.RateLimited(req.ClientID)
			if advisor, ok := s.limiter.(retryAdvisor); ok {
				denied.RetryAfter = advisor.RetryAfter(req.ClientID, 1)
			}
			return "", denied
		}
	}

	start := time.Now()
	job, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
			Transition: metrics.TransitionEnqueue,
			Result:     metrics.ResultError,
			Source:     "intake",
			Err:        err,
		})
		if s.logger != nil {
			s.logger.WarnContext(ctx, "enqueue failed", "asset", req.Asset, "error", err)
		}
		return "", apperrors.QueueUnavailable(err)
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionEnqueue,
		Result:     metrics.ResultSuccess,
		Source:     "intake",
		Duration:   time.Since(start),
	})
	if s.logger != nil {
		s.logger.DebugContext(ctx, "job submitted",
			"id", job.ID,
			"asset", job.Asset,
			"client_id", job.ClientID,
			"priority", job.Priority,
		)
	}
	return job.ID, nil
}

// GetStatus returns the status view of a job, including its report once completed.
// It reads the transactional store only.
func (s *JobService) GetStatus(ctx context.Context, id string) (*model.JobStatusView, error) {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return nil, err
	}

	view := &model.JobStatusView{
		JobID:       job.ID,
		Asset:       job.Asset,
		Status:      job.Status,
		SubmittedAt: job.SubmittedAt(),
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		RetryCount:  job.RetryCount,
		Error:       job.LastError,
		ErrorKind:   job.ErrorKind,
	}
	if job.Status != model.JobStatusCompleted {
		return view, nil
	}

	report, err := s.reports.GetReport(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrReportNotFound) {
			return nil, apperrors.Internal(fmt.Sprintf("completed job %s has no report", id))
		}
		return nil, apperrors.Store(err, "get report")
	}
	view.Report = report
	return view, nil
}

// MaxTraceEntries bounds the execution log entries Trace returns.
const MaxTraceEntries = 200

// Trace returns the newest execution log entries of a job, oldest first. It
// is empty when no execution log is configured.
func (s *JobService) Trace(ctx context.Context, id string) ([]*model.ExecutionLogEntry, error) {
	if _, err := s.getJob(ctx, id); err != nil {
		return nil, err
	}
	if s.logs == nil {
		return []*model.ExecutionLogEntry{}, nil
	}
	entries, err := s.logs.Read(ctx, id, MaxTraceEntries)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeLogStore, "execution log read failed")
	}
	if entries == nil {
		entries = []*model.ExecutionLogEntry{}
	}
	return entries, nil
}

// GetByID returns a job by its ID.
func (s *JobService) GetByID(ctx context.Context, id string) (*model.Job, error) {
	return s.getJob(ctx, id)
}

// Stats returns the number of jobs in each state.
func (s *JobService) Stats(ctx context.Context) (*model.JobStats, error) {
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, apperrors.Store(err, "job stats")
	}
	return stats, nil
}

// Depth returns the number of pending jobs.
func (s *JobService) Depth(ctx context.Context) (int64, error) {
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return 0, apperrors.QueueUnavailable(err)
	}
	return depth, nil
}

// Withdraw removes a pending job that no worker has leased. Only pending
// jobs can be withdrawn.
func (s *JobService) Withdraw(ctx context.Context, id string) error {
	if id == "" {
		return apperrors.Validation("job id is required")
	}

	if s.logger != nil {
		s.logger.DebugContext(ctx, "attempting to withdraw job", "id", id)
	}

	err := s.queue.Withdraw(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, model.ErrJobNotFound):
		return apperrors.NotFoundf("job %s not found", id)
	case errors.Is(err, model.ErrJobNotWithdrawable):
		return apperrors.Conflict(err.Error())
	default:
		return apperrors.Store(err, "withdraw job")
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "job withdrawn", "id", id)
	}
	return nil
}

// Cancel fails a pending job so that no worker picks it up. The job record is
// kept for status lookups; running and terminal jobs are a conflict.
func (s *JobService) Cancel(ctx context.Context, id string) error {
	job, err := s.getJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusPending {
		return apperrors.Conflict(fmt.Sprintf("job is %s and cannot be canceled", job.Status))
	}

	reason := "canceled by client"
	err = s.store.UpdateStatus(ctx, id, core.UpdateStatusParams{
		From:      model.JobStatusPending,
		To:        model.JobStatusFailed,
		LastError: &reason,
		ErrorKind: model.ErrorKindCanceled,
	})
	switch {
	case err == nil:
	case errors.Is(err, model.ErrInvalidTransition):
		return apperrors.Conflict("job was leased before it could be canceled")
	case errors.Is(err, model.ErrJobNotFound):
		return apperrors.NotFoundf("job %s not found", id)
	default:
		return apperrors.Store(err, "cancel job")
	}

	metrics.EmitJobLifecycle(s.metrics, metrics.JobMetric{
		Transition: metrics.TransitionCancel,
		Result:     metrics.ResultSuccess,
		Source:     "intake",
	})
	if s.logger != nil {
		s.logger.InfoContext(ctx, "job canceled", "id", id)
	}
	return nil
}

func (s *JobService) getJob(ctx context.Context, id string) (*model.Job, error) {
	if id == "" {
		return nil, apperrors.Validation("job id is required")
	}
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrJobNotFound) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, apperrors.Store(err, "get job")
	}
	return job, nil
}
