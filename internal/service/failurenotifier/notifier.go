// Package failurenotifier fans terminal research job failures out to the
// configured alert sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/notify"
	"github.com/target/researchq/internal/observability/statsd"
)

// SinkRegistration names a sink for logs and metric tags.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

type Options struct {
	Logger *slog.Logger
	Sinks  []SinkRegistration
	// Timeout bounds a whole fan-out. Zero leaves the caller's deadline in place.
	Timeout time.Duration
	Metrics statsd.Sink
}

// Service delivers each alert to every sink concurrently.
type Service struct {
	sinks   []SinkRegistration
	timeout time.Duration
	logger  *slog.Logger
	metrics statsd.Sink
}

// Delivery is the outcome of one sink's attempt.
type Delivery struct {
	Sink    string
	Err     error
	Elapsed time.Duration
}

// NewService drops registrations without a sink and names unnamed ones
// "sink".
func NewService(opts Options) *Service {
	s := &Service{timeout: opts.Timeout, metrics: opts.Metrics}
	for _, reg := range opts.Sinks {
		if reg.Sink == nil {
			continue
		}
		if reg.Name == "" {
			reg.Name = "sink"
		}
		s.sinks = append(s.sinks, reg)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s.logger = logger.With("component", "failure_notifier")
	return s
}

// Enabled reports whether any sink is registered. It is false for a nil
// Service.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// NotifyJobFailure alerts on payload and logs failed deliveries. Canceled
// jobs are skipped.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	if payload.ErrorKind == string(model.ErrorKindCanceled) {
		s.logger.DebugContext(ctx, "not alerting on canceled job", "job_id", payload.JobID)
		return
	}
	for _, d := range s.Send(ctx, payload) {
		if d.Err != nil {
			s.logger.ErrorContext(ctx, "failure alert not delivered",
				"sink", d.Sink,
				"job_id", payload.JobID,
				"asset", payload.Asset,
				"elapsed", d.Elapsed,
				"error", d.Err)
		}
	}
}

// Send fills in severity and time when unset, delivers payload to every
// sink and returns the outcomes in registration order.
func (s *Service) Send(ctx context.Context, payload notify.JobFailurePayload) []Delivery {
	if !s.Enabled() {
		return nil
	}
	if payload.Severity == "" {
		payload.Severity = SeverityFor(model.ErrorKind(payload.ErrorKind))
	}
	if payload.OccurredAt.IsZero() {
		payload.OccurredAt = time.Now().UTC()
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := make([]Delivery, len(s.sinks))
	var wg sync.WaitGroup
	wg.Add(len(s.sinks))
	for i, reg := range s.sinks {
		go func() {
			defer wg.Done()
			start := time.Now()
			err := reg.Sink.SendJobFailure(ctx, payload)
			out[i] = Delivery{Sink: reg.Name, Err: err, Elapsed: time.Since(start)}
		}()
	}
	wg.Wait()

	s.record(out, payload.Level())
	return out
}

func (s *Service) record(out []Delivery, severity string) {
	if s.metrics == nil {
		return
	}
	for _, d := range out {
		result := metrics.ResultSuccess
		if d.Err != nil {
			result = metrics.ResultError
		}
		tags := map[string]string{"sink": d.Sink, "severity": severity, "result": result}
		s.metrics.Count("alerts.delivery", 1, tags)
		s.metrics.Timing("alerts.delivery_duration", d.Elapsed, metrics.CloneTags(tags))
	}
}

// SeverityFor maps an error kind to an alert severity. Rejected input only
// warns.
func SeverityFor(kind model.ErrorKind) string {
	if kind == model.ErrorKindValidation {
		return notify.SeverityWarning
	}
	return notify.SeverityCritical
}
