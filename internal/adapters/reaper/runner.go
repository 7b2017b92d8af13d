// Package reaper schedules the job maintenance passes.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/target/researchq/config"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/observability/statsd"
	"github.com/target/researchq/internal/service"
)

// Runner runs a maintenance pass right away and then every Interval.
type Runner struct {
	reaper   *service.ReaperService
	interval time.Duration
	jitter   func(time.Duration) time.Duration
	logger   *slog.Logger
}

// RunnerOptions holds the dependencies for creating a Runner.
type RunnerOptions struct {
	Repo    core.ReaperRepository
	Config  config.ReaperConfig
	Logger  *slog.Logger
	Metrics statsd.Sink
}

// NewRunner creates a Runner over the given repository.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Repo == nil {
		return nil, errors.New("reaper repository is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Repo:    opts.Repo,
		Config:  opts.Config,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}

	return &Runner{
		reaper:   svc,
		interval: opts.Config.Interval,
		jitter:   tenthJitter,
		logger:   logger.With("component", "reaper"),
	}, nil
}

// tenthJitter picks a start delay in [0, interval/10) so replicas started
// together do not run their passes in lockstep.
func tenthJitter(interval time.Duration) time.Duration {
	if n := interval / 10; n > 0 {
		return rand.N(n)
	}
	return 0
}

// Run blocks until ctx is done. Cancellation is a clean stop and returns
// nil; a deadline is returned as is. Failed passes are logged and retried
// on the next tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting reaper", "interval", r.interval)

	if delay := r.jitter(r.interval); delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return stopReason(ctx)
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.pass(ctx)
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reaper stopping", "reason", context.Cause(ctx))
			return stopReason(ctx)
		case <-ticker.C:
		}
	}
}

func (r *Runner) pass(ctx context.Context) {
	err := r.reaper.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		r.logger.DebugContext(ctx, "reaper pass interrupted", "error", err)
	default:
		r.logger.ErrorContext(ctx, "reaper pass failed", "error", err)
	}
}

func stopReason(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}
