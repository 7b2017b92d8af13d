// Package jobrunner runs the worker pool that leases research jobs, runs the
// pipeline for each and settles the job with the queue.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/researchq/internal/breaker"
	"github.com/target/researchq/internal/cache"
	"github.com/target/researchq/internal/core"
	domainjob "github.com/target/researchq/internal/domain/job"
	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/notify"
	"github.com/target/researchq/internal/observability/statsd"
	"github.com/target/researchq/internal/pipeline"
)

const (
	defaultVisibility      = 60 * time.Second
	defaultDrainTimeout    = 30 * time.Second
	defaultMetricsInterval = 15 * time.Second
	defaultIdlePoll        = 5 * time.Second
	settleTimeout          = 5 * time.Second

	tracerName = "github.com/target/researchq/internal/adapters/jobrunner"
)

// Pipeline produces a validated report for one job.
type Pipeline interface {
	Run(ctx context.Context, req pipeline.Request) (*model.Report, error)
}

// FailureNotifier is told about jobs that reach the failed state.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// RunnerOptions configures the worker pool.
type RunnerOptions struct {
	Queue    core.JobQueue    // Required
	Reports  core.ReportStore // Required
	Pipeline Pipeline         // Required

	// Cache collapses concurrent runs for the same asset and serves fresh
	// reports. Optional.
	Cache    *cache.ReportCache
	CacheTTL time.Duration
	// Notifier wakes idle workers; defaults to one listening on Queue.
	Notifier domainjob.Notifier
	// Breakers are reported as gauges on every metrics tick. Optional.
	Breakers *breaker.Registry
	// Alerts receives terminal failures. Optional.
	Alerts FailureNotifier

	Visibility      time.Duration // lease length; defaults to 60s
	Concurrency     int           // number of workers; defaults to 1
	DrainTimeout    time.Duration // how long in-flight jobs may run after shutdown starts
	MetricsInterval time.Duration
	IdlePoll        time.Duration // lease retry interval when no notification arrives
	RetryDelay      time.Duration // visibility delay after a store or timeout failure
	WorkerID        string        // prefix for worker ids; defaults to a random id

	Metrics statsd.Sink
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Runner is a fixed-size pool of workers.
type Runner struct {
	queue    core.JobQueue
	reports  core.ReportStore
	pipeline Pipeline
	cache    *cache.ReportCache
	cacheTTL time.Duration
	notifier domainjob.Notifier
	breakers *breaker.Registry
	alerts   FailureNotifier
	alertsWG sync.WaitGroup

	visibility      time.Duration
	heartbeat       time.Duration
	workers         int
	drainTimeout    time.Duration
	metricsInterval time.Duration
	idlePoll        time.Duration
	retryDelay      time.Duration
	workerID        string

	metrics statsd.Sink
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRunner validates opts and constructs a Runner.
func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Queue == nil {
		return nil, errors.New("job queue is required")
	}
	if opts.Reports == nil {
		return nil, errors.New("report store is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("pipeline is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, err := domainjob.NewNotifier(domainjob.NotifierOptions{Waiter: opts.Queue})
		if err != nil {
			return nil, fmt.Errorf("create job notifier: %w", err)
		}
		notifier = n
	}

	r := &Runner{
		queue:           opts.Queue,
		reports:         opts.Reports,
		pipeline:        opts.Pipeline,
		cache:           opts.Cache,
		cacheTTL:        opts.CacheTTL,
		notifier:        notifier,
		breakers:        opts.Breakers,
		alerts:          opts.Alerts,
		visibility:      durationOr(opts.Visibility, defaultVisibility),
		workers:         max(opts.Concurrency, 1),
		drainTimeout:    durationOr(opts.DrainTimeout, defaultDrainTimeout),
		metricsInterval: durationOr(opts.MetricsInterval, defaultMetricsInterval),
		idlePoll:        durationOr(opts.IdlePoll, defaultIdlePoll),
		retryDelay:      max(opts.RetryDelay, 0),
		workerID:        opts.WorkerID,
		metrics:         opts.Metrics,
		logger:          logger.With("component", "job_runner"),
		tracer:          tracer,
	}
	r.heartbeat = domainjob.HeartbeatInterval(r.visibility)
	if r.workerID == "" {
		r.workerID = "worker-" + uuid.NewString()[:8]
	}
	return r, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

// Run starts the workers and blocks until ctx is canceled and every in-flight
// job has settled or the drain timeout has passed. Jobs abandoned at the drain
// deadline keep their lease until it expires.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "starting job runner",
		"workers", r.workers,
		"visibility", r.visibility,
		"worker_id", r.workerID,
	)

	unsub, wake := r.notifier.Subscribe()
	defer unsub()

	// In-flight work outlives ctx by at most the drain timeout.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	stopDrain := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(r.drainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			r.logger.Warn("drain timeout reached, abandoning in-flight jobs", "timeout", r.drainTimeout)
			cancelWork()
		case <-workCtx.Done():
		}
	})
	defer stopDrain()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.metricsLoop(ctx)
	}()

	for i := range r.workers {
		workerID := fmt.Sprintf("%s-%d", r.workerID, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx, workCtx, workerID, wake)
		}()
	}

	wg.Wait()
	r.alertsWG.Wait()
	r.logger.InfoContext(workCtx, "job runner stopped")
	return nil
}

func (r *Runner) workerLoop(ctx, workCtx context.Context, workerID string, wake <-chan struct{}) {
	for ctx.Err() == nil {
		job, err := r.queue.Lease(ctx, workerID, r.visibility)
		switch {
		case err == nil:
			metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
				Transition: metrics.TransitionLease,
				Result:     metrics.ResultSuccess,
			})
			r.processJob(workCtx, workerID, job)
		case errors.Is(err, model.ErrNoJobsAvailable):
			r.waitForWork(ctx, wake)
		case ctx.Err() != nil:
			return
		default:
			metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
				Transition: metrics.TransitionLease,
				Result:     metrics.ResultError,
				Err:        err,
			})
			r.logger.ErrorContext(ctx, "lease failed", "worker_id", workerID, "error", err)
			r.waitForWork(ctx, nil)
		}
	}
}

// waitForWork blocks until a notification, the idle poll interval or shutdown.
func (r *Runner) waitForWork(ctx context.Context, wake <-chan struct{}) {
	timer := time.NewTimer(r.idlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (r *Runner) processJob(ctx context.Context, workerID string, job *model.Job) {
	ctx, span := r.tracer.Start(ctx, "jobrunner.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.asset", job.Asset),
		attribute.Int("job.retry_count", job.RetryCount),
		attribute.String("worker.id", workerID),
	))
	defer span.End()

	start := time.Now()
	log := r.logger.With("job_id", job.ID, "asset", job.Asset, "worker_id", workerID)

	// A job completed by an earlier delivery is only acknowledged.
	if job.Status == model.JobStatusCompleted {
		r.ack(ctx, log, job.ID, workerID, start)
		return
	}

	runCtx, stopHeartbeat := r.startHeartbeat(ctx, log, job.ID, workerID)
	report, err := r.produce(runCtx, job)
	stopHeartbeat()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.settleFailure(ctx, log, job, workerID, err, start)
		return
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err := r.reports.SaveReport(saveCtx, core.SaveReportParams{
		JobID:    job.ID,
		WorkerID: workerID,
		Report:   report,
	}); err != nil {
		if errors.Is(err, model.ErrLeaseLost) {
			log.WarnContext(ctx, "lease lost before report was saved", "error", err)
			return
		}
		storeErr := apperrors.Store(err, "save report")
		span.RecordError(storeErr)
		span.SetStatus(codes.Error, storeErr.Error())
		r.settleFailure(ctx, log, job, workerID, storeErr, start)
		return
	}

	if r.cache != nil {
		r.cache.Set(saveCtx, job.Asset, report, r.cacheTTL)
	}
	r.ack(saveCtx, log, job.ID, workerID, start)
}

// produce returns a report for the job's asset, sharing in-flight work with
// other workers when a cache is configured.
func (r *Runner) produce(ctx context.Context, job *model.Job) (*model.Report, error) {
	req := pipeline.Request{JobID: job.ID, Asset: job.Asset}
	if r.cache == nil {
		return r.pipeline.Run(ctx, req)
	}

	res, err := r.cache.Do(ctx, job.Asset, func(ctx context.Context) (*model.Report, error) {
		return r.pipeline.Run(ctx, req)
	})
	if errors.Is(err, cache.ErrInFlight) {
		metrics.EmitCacheLookup(r.metrics, "inflight")
		return r.pipeline.Run(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	metrics.EmitCacheLookup(r.metrics, string(res.Source))

	report := res.Report
	if res.Source != cache.SourceLoaded {
		// Each job gets its own report row.
		report = report.Clone()
		report.CreatedAt = time.Time{}
	}
	return report, nil
}

// startHeartbeat extends the lease every heartbeat interval. The returned
// context is canceled if the lease is lost.
func (r *Runner) startHeartbeat(
	ctx context.Context,
	log *slog.Logger,
	jobID, workerID string,
) (context.Context, func()) {
	runCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				ok, err := r.queue.ExtendLease(runCtx, jobID, workerID, r.visibility)
				switch {
				case err != nil:
					if runCtx.Err() == nil {
						log.WarnContext(runCtx, "lease heartbeat failed", "error", err)
					}
				case !ok:
					log.WarnContext(runCtx, "lease lost, abandoning job")
					cancel(model.ErrLeaseLost)
					return
				}
			}
		}
	}()

	return runCtx, func() {
		cancel(nil)
		<-done
	}
}

func (r *Runner) ack(ctx context.Context, log *slog.Logger, jobID, workerID string, start time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	acked, err := r.queue.Ack(ctx, jobID, workerID)
	m := metrics.JobMetric{
		Transition: metrics.TransitionComplete,
		Result:     metrics.ResultSuccess,
		Duration:   time.Since(start),
	}
	switch {
	case err != nil:
		m.Result, m.Err = metrics.ResultError, err
		log.ErrorContext(ctx, "ack failed", "error", err)
	case !acked:
		m.Result = metrics.ResultNoop
		log.WarnContext(ctx, "ack had no effect, lease no longer held")
	default:
		log.DebugContext(ctx, "job completed", "duration", m.Duration)
	}
	metrics.EmitJobLifecycle(r.metrics, m)
}

// settleFailure nacks the job according to the failure class of err.
func (r *Runner) settleFailure(
	ctx context.Context,
	log *slog.Logger,
	job *model.Job,
	workerID string,
	err error,
	start time.Time,
) {
	opts, ok := nackOptionsFor(job, err, r.retryDelay)
	if !ok {
		// Shutdown or a lost lease: the lease expires and the job is redelivered.
		log.InfoContext(ctx, "job abandoned", "error", err, "cause", context.Cause(ctx))
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition: metrics.TransitionRetry,
			Result:     metrics.ResultDropped,
			Duration:   time.Since(start),
			Err:        err,
		})
		return
	}

	nackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	res, nackErr := r.queue.Nack(nackCtx, job.ID, workerID, opts)
	if nackErr != nil {
		log.ErrorContext(ctx, "nack failed", "error", nackErr, "original_error", err)
		metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
			Transition: metrics.TransitionRetry,
			Result:     metrics.ResultError,
			Err:        nackErr,
		})
		return
	}

	transition := metrics.TransitionRetry
	if res.Failed() {
		transition = metrics.TransitionFail
	}
	metrics.EmitJobLifecycle(r.metrics, metrics.JobMetric{
		Transition: transition,
		Result:     metrics.ResultError,
		Duration:   time.Since(start),
		Err:        err,
	})
	log.WarnContext(ctx, "job attempt failed",
		"error", err,
		"error_kind", opts.Kind,
		"status", res.Status,
		"retry_count", res.RetryCount,
	)
	if res.Failed() {
		r.alertFailure(ctx, job, workerID, err, opts.Kind, res)
	}
}

// alertFailure hands a terminal failure to the notifier off the worker's
// path. Run waits for pending alerts before returning.
func (r *Runner) alertFailure(
	ctx context.Context,
	job *model.Job,
	workerID string,
	err error,
	kind model.ErrorKind,
	res *core.NackResult,
) {
	if r.alerts == nil {
		return
	}
	payload := notify.JobFailurePayload{
		JobID:      job.ID,
		Asset:      job.Asset,
		ClientID:   job.ClientID,
		ErrorKind:  string(kind),
		Error:      err.Error(),
		ErrorClass: string(apperrors.GetCode(err)),
		RetryCount: res.RetryCount,
		MaxRetries: job.MaxRetries,
		OccurredAt: time.Now().UTC(),
		Metadata:   map[string]string{"worker_id": workerID},
	}
	alertCtx := context.WithoutCancel(ctx)
	r.alertsWG.Add(1)
	go func() {
		defer r.alertsWG.Done()
		r.alerts.NotifyJobFailure(alertCtx, payload)
	}()
}

// nackOptionsFor maps a failed attempt to its queue disposition. Store and
// timeout failures are requeued after storeDelay. It returns false when the
// job should be left to lease expiry.
func nackOptionsFor(job *model.Job, err error, storeDelay time.Duration) (core.NackOptions, bool) {
	opts := core.NackOptions{Reason: err.Error()}
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		opts.Disposition = core.NackDeadLetter
		opts.Kind = model.ErrorKindValidation
		opts.Terminal = true
	case apperrors.ErrCodeToolUnavailable:
		opts.Disposition = core.NackDeadLetter
		opts.Kind = model.ErrorKindToolUnavailable
		opts.Terminal = true
	case apperrors.ErrCodeToolError:
		opts.Disposition = core.NackDeadLetter
		opts.Kind = model.ErrorKindToolError
		opts.Delay = core.RetryDelay(job.RetryCount + 1)
	case apperrors.ErrCodeStore, apperrors.ErrCodeTimeout:
		opts.Disposition = core.NackRequeue
		opts.Kind = model.ErrorKindStore
		opts.Delay = storeDelay
	case apperrors.ErrCodeCanceled:
		return opts, false
	default:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return opts, false
		}
		opts.Disposition = core.NackDeadLetter
		opts.Kind = model.ErrorKindInternal
		opts.Delay = core.RetryDelay(job.RetryCount + 1)
	}
	return opts, true
}

func (r *Runner) metricsLoop(ctx context.Context) {
	if r.metrics == nil {
		return
	}
	ticker := time.NewTicker(r.metricsInterval)
	defer ticker.Stop()
	for {
		r.emitGauges(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) emitGauges(ctx context.Context) {
	if depth, err := r.queue.Depth(ctx); err == nil {
		metrics.EmitQueueDepth(r.metrics, depth)
	} else if ctx.Err() == nil {
		r.logger.DebugContext(ctx, "queue depth unavailable", "error", err)
	}
	if r.breakers == nil {
		return
	}
	for _, st := range r.breakers.Stats() {
		metrics.EmitBreakerState(r.metrics, st.Name, int(st.State), st.ConsecutiveFailures)
	}
}
