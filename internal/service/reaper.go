package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	obserrors "github.com/target/researchq/internal/observability/errors"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// ReaperService performs the maintenance passes that keep the job tables
// bounded. Scheduling lives in the reaper adapter.
type ReaperService struct {
	repo    core.ReaperRepository
	config  config.ReaperConfig
	steps   []reaperStep
	logger  *slog.Logger
	metrics statsd.Sink
}

// reaperStep is one maintenance operation. A step with a zero max age is
// left out of the pass.
type reaperStep struct {
	operation string
	label     string
	run       func(context.Context) (int64, error)
}

type stepOutcome struct {
	operation string
	count     int64
	err       error
}

// NewReaperService constructs a ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Repo == nil {
		return nil, errors.New("ReaperRepository is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &ReaperService{
		repo:    opts.Repo,
		config:  opts.Config,
		logger:  logger.With("component", "reaper_service"),
		metrics: opts.Metrics,
	}
	s.steps = s.buildSteps()
	return s, nil
}

func (s *ReaperService) buildSteps() []reaperStep {
	cfg := s.config
	steps := []reaperStep{{
		operation: "requeue_expired",
		label:     "requeue expired leases",
		run:       s.repo.RequeueExpiredLeases,
	}}
	if cfg.PendingMaxAge > 0 {
		steps = append(steps, reaperStep{
			operation: "fail_pending",
			label:     "fail stale pending jobs",
			run: func(ctx context.Context) (int64, error) {
				return drainBatches(ctx, func(ctx context.Context) (int64, error) {
					return s.repo.FailStalePendingJobs(ctx, cfg.PendingMaxAge, cfg.BatchSize)
				})
			},
		})
	}
	for _, retention := range []struct {
		status model.JobStatus
		maxAge time.Duration
	}{
		{model.JobStatusCompleted, cfg.CompletedMaxAge},
		{model.JobStatusFailed, cfg.FailedMaxAge},
	} {
		if retention.maxAge <= 0 {
			continue
		}
		params := core.DeleteOldJobsParams{Status: retention.status, MaxAge: retention.maxAge, BatchSize: cfg.BatchSize}
		steps = append(steps, reaperStep{
			operation: "delete_" + string(retention.status),
			label:     "delete old " + string(retention.status) + " jobs",
			run: func(ctx context.Context) (int64, error) {
				return drainBatches(ctx, func(ctx context.Context) (int64, error) {
					return s.repo.DeleteOldJobs(ctx, params)
				})
			},
		})
	}
	return steps
}

// RunOnce performs one maintenance pass. A failing step does not stop the
// ones after it. When every failure is a context cancellation the pass
// reports context.Canceled.
func (s *ReaperService) RunOnce(ctx context.Context) error {
	start := time.Now()
	outcomes := make([]stepOutcome, 0, len(s.steps))
	var errs []error
	onlyCanceled := true

	for _, step := range s.steps {
		count, err := step.run(ctx)
		if count > 0 {
			s.logger.InfoContext(ctx, step.label, "count", count)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", step.label, err))
			onlyCanceled = onlyCanceled && isContextCancellation(err)
			if isContextCancellation(err) {
				err = nil
			}
		}
		outcomes = append(outcomes, stepOutcome{operation: step.operation, count: count, err: err})
	}

	s.recordPass(outcomes, time.Since(start))

	switch {
	case len(errs) == 0:
		return nil
	case onlyCanceled:
		return context.Canceled
	default:
		return fmt.Errorf("cleanup failed: %w", errors.Join(errs...))
	}
}

// drainBatches repeats batch until it affects no rows.
func drainBatches(ctx context.Context, batch func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		n, err := batch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
		if err = ctx.Err(); err != nil {
			return total, err
		}
	}
}

func (s *ReaperService) recordPass(outcomes []stepOutcome, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}

	var total int64
	var firstErr error
	for _, o := range outcomes {
		total += o.count
		if firstErr == nil && o.err != nil {
			firstErr = o.err
		}
		tags := withErrorClass(map[string]string{
			"operation": o.operation,
			"result":    passResult(o.count, o.err),
		}, o.err)
		s.metrics.Count("reaper.cleanup_operation", 1, tags)
		if o.err == nil && o.count > 0 {
			s.metrics.Count("reaper.jobs_processed", o.count, metrics.CloneTags(tags))
		}
	}

	tags := withErrorClass(map[string]string{"result": passResult(total, firstErr)}, firstErr)
	s.metrics.Count("reaper.cleanup", 1, tags)
	if elapsed > 0 {
		s.metrics.Timing("reaper.cleanup_duration", elapsed, metrics.CloneTags(tags))
	}
	if firstErr == nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
}

func withErrorClass(tags map[string]string, err error) map[string]string {
	if err == nil {
		return tags
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
	return tags
}

func passResult(count int64, err error) string {
	switch {
	case err != nil:
		return metrics.ResultError
	case count == 0:
		return metrics.ResultNoop
	default:
		return metrics.ResultSuccess
	}
}

func isContextCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
