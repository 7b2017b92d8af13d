// Package pipeline runs the research analysis for one asset: it calls the
// configured tools in order, each behind the circuit breaker of its
// dependency, then asks a Generator for a report and validates it.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/target/researchq/internal/breaker"
	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/pipeline/tools"
)

const (
	DefaultToolTimeout = 10 * time.Second
	DefaultMaxRetries  = 3

	tracerName = "github.com/target/researchq/internal/pipeline"
)

// Options configures a Pipeline.
type Options struct {
	Tools     []tools.Capability
	Generator Generator
	Breakers  *breaker.Registry
	// LogStore receives one entry per tool call and a summary entry. Append
	// errors are ignored; pass a non-blocking dispatcher in production.
	LogStore    core.LogStore
	ToolTimeout time.Duration
	// MaxRetries bounds generation attempts per run.
	MaxRetries int
	Clock      clock.Clock
	Logger     *slog.Logger
	Tracer     trace.Tracer
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	tools       []tools.Capability
	generator   Generator
	breakers    *breaker.Registry
	logStore    core.LogStore
	toolTimeout time.Duration
	maxRetries  int
	clock       clock.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New validates opts and creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if len(opts.Tools) == 0 {
		return nil, errors.New("pipeline: at least one tool is required")
	}
	if opts.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	p := &Pipeline{
		tools:       opts.Tools,
		generator:   opts.Generator,
		breakers:    opts.Breakers,
		logStore:    opts.LogStore,
		toolTimeout: opts.ToolTimeout,
		maxRetries:  opts.MaxRetries,
		clock:       clock.Or(opts.Clock),
		logger:      opts.Logger,
		tracer:      opts.Tracer,
	}
	if p.breakers == nil {
		p.breakers = breaker.NewRegistry(breaker.Config{})
	}
	if p.toolTimeout <= 0 {
		p.toolTimeout = DefaultToolTimeout
	}
	if p.maxRetries <= 0 {
		p.maxRetries = DefaultMaxRetries
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	p.logger = p.logger.With("component", "pipeline")
	if p.tracer == nil {
		p.tracer = otel.Tracer(tracerName)
	}
	return p, nil
}

// Request identifies one pipeline run.
type Request struct {
	JobID string
	Asset string
}

// Run produces a validated report for req.Asset. Errors carry an AppError code:
// tool_unavailable when a breaker is open, tool_error when a tool call failed,
// validation when every generation attempt was rejected, and canceled when ctx
// ended the run.
func (p *Pipeline) Run(ctx context.Context, req Request) (*model.Report, error) {
	start := p.clock.Now()
	asset := model.NormalizeAsset(req.Asset)

	report, attempts, err := p.run(ctx, req.JobID, asset)

	summary := &model.ExecutionLogEntry{
		JobID:      req.JobID,
		Asset:      asset,
		Tool:       model.PipelineStepName,
		Attempt:    attempts,
		DurationMs: p.clock.Now().Sub(start).Milliseconds(),
		Timestamp:  p.clock.Now().UTC(),
	}
	if err != nil {
		summary.Error = err.Error()
		p.logger.WarnContext(ctx, "pipeline run failed",
			"job_id", req.JobID, "asset", asset, "attempts", attempts,
			"code", apperrors.GetCode(err), "error", err)
	} else {
		summary.Output, _ = json.Marshal(report)
		p.logger.DebugContext(ctx, "pipeline run completed",
			"job_id", req.JobID, "asset", asset, "attempts", attempts,
			"duration_ms", summary.DurationMs)
	}
	p.appendLog(context.WithoutCancel(ctx), summary)
	return report, err
}

func (p *Pipeline) run(ctx context.Context, jobID, asset string) (*model.Report, int, error) {
	if err := model.ValidateAsset(asset); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid asset")
	}

	results := make([]tools.Result, 0, len(p.tools))
	for _, c := range p.tools {
		if err := ctx.Err(); err != nil {
			return nil, 0, canceled(err)
		}
		res, err := p.callTool(ctx, jobID, asset, c)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, res)
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, attempt - 1, canceled(err)
		}
		in := GenerateInput{Asset: asset, Results: results, Attempt: attempt}
		if lastErr != nil {
			in.Feedback = lastErr.Error()
		}

		report, err := p.generate(ctx, in)
		if err == nil {
			report.Asset = asset
			err = report.Validate()
		}
		if err == nil {
			report.CreatedAt = p.clock.Now().UTC()
			return report, attempt, nil
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, attempt, err
		}
		lastErr = err
		p.logger.InfoContext(ctx, "generated report rejected",
			"job_id", jobID, "asset", asset, "attempt", attempt, "error", err)
	}
	return nil, p.maxRetries, apperrors.Wrapf(lastErr, apperrors.ErrCodeValidation,
		"report failed validation after %d attempts", p.maxRetries)
}

// callTool invokes one capability behind its breaker with a per-call timeout.
// A result that arrives after the caller's context ended is discarded.
func (p *Pipeline) callTool(ctx context.Context, jobID, asset string, c tools.Capability) (tools.Result, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.tool", trace.WithAttributes(
		attribute.String("tool.name", c.Name()),
		attribute.String("tool.dependency", c.Dependency()),
		attribute.String("job.id", jobID),
		attribute.String("asset", asset),
	))
	defer span.End()

	params := tools.Params{Asset: asset}
	start := p.clock.Now()
	var res tools.Result
	err := p.breakers.Execute(ctx, c.Dependency(), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, p.toolTimeout)
		defer cancel()
		r, err := invoke(callCtx, c, params)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	entry := &model.ExecutionLogEntry{
		JobID:      jobID,
		Asset:      asset,
		Tool:       c.Name(),
		DurationMs: p.clock.Now().Sub(start).Milliseconds(),
		Timestamp:  start.UTC(),
	}
	entry.Input, _ = json.Marshal(params)
	if err == nil {
		entry.Output = res.Output
	} else {
		entry.Error = err.Error()
	}
	p.appendLog(context.WithoutCancel(ctx), entry)

	if err == nil {
		return res, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, breaker.ErrOpen):
		return tools.Result{}, apperrors.Wrapf(err, apperrors.ErrCodeToolUnavailable,
			"tool %s unavailable", c.Name())
	case ctx.Err() != nil:
		return tools.Result{}, canceled(ctx.Err())
	default:
		return tools.Result{}, apperrors.Wrapf(err, apperrors.ErrCodeToolError, "tool %s failed", c.Name())
	}
}

// invoke runs c.Invoke but returns as soon as ctx ends, even if the tool
// ignores its context.
func invoke(ctx context.Context, c tools.Capability, params tools.Params) (tools.Result, error) {
	type outcome struct {
		res tools.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Invoke(ctx, params)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if ctx.Err() != nil {
			return tools.Result{}, &tools.Error{Tool: c.Name(), Kind: tools.KindTimeout, Err: ctx.Err()}
		}
		if o.err != nil {
			if tools.KindOf(o.err) == "" {
				return tools.Result{}, &tools.Error{Tool: c.Name(), Kind: tools.KindRejected, Err: o.err}
			}
			return tools.Result{}, o.err
		}
		if o.res.Tool == "" {
			o.res.Tool = c.Name()
		}
		return o.res, nil
	case <-ctx.Done():
		return tools.Result{}, &tools.Error{Tool: c.Name(), Kind: tools.KindTimeout, Err: ctx.Err()}
	}
}

// generate runs one generation attempt. Provider failures of a Dependent
// generator are recorded on its breaker and surface as AppErrors; any other
// error is a rejected answer.
func (p *Pipeline) generate(ctx context.Context, in GenerateInput) (*model.Report, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("generator", p.generator.Name()),
		attribute.Int("attempt", in.Attempt),
		attribute.String("asset", in.Asset),
	))
	defer span.End()

	var (
		b      *breaker.Breaker
		permit breaker.Permit
	)
	if dep, ok := p.generator.(Dependent); ok {
		b = p.breakers.Get(dep.Dependency())
		var err error
		if permit, err = b.Allow(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, apperrors.Wrapf(err, apperrors.ErrCodeToolUnavailable,
				"generator %s unavailable", p.generator.Name())
		}
	}

	report, err := p.generator.Generate(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case ctx.Err() != nil:
		if b != nil {
			b.Release(permit)
		}
		return nil, canceled(ctx.Err())
	case tools.KindOf(err) != "":
		if b != nil {
			b.Record(permit, err)
		}
		return nil, apperrors.Wrapf(err, apperrors.ErrCodeToolError, "generator %s failed", p.generator.Name())
	case err != nil:
		if b != nil {
			b.Record(permit, nil)
		}
		return nil, err
	}
	if b != nil {
		b.Record(permit, nil)
	}
	if report == nil {
		return nil, fmt.Errorf("%w: generator returned no report", model.ErrReportInvalid)
	}
	return report, nil
}

func (p *Pipeline) appendLog(ctx context.Context, entry *model.ExecutionLogEntry) {
	if p.logStore == nil {
		return
	}
	if err := p.logStore.Append(ctx, entry); err != nil {
		p.logger.DebugContext(ctx, "execution log append failed",
			"job_id", entry.JobID, "tool", entry.Tool, "error", err)
	}
}

func canceled(err error) error {
	return apperrors.Wrap(err, apperrors.ErrCodeCanceled, "pipeline canceled")
}
