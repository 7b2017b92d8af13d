// Package metrics emits the standard research job metrics through a statsd.Sink.
// Every helper is a no-op when the sink is nil.
package metrics

import (
	"strconv"
	"time"

	obserrors "github.com/target/researchq/internal/observability/errors"
	"github.com/target/researchq/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
	ResultDropped = "dropped"
)

// Transition names used by EmitJobLifecycle.
const (
	TransitionEnqueue  = "enqueue"
	TransitionLease    = "lease"
	TransitionComplete = "complete"
	TransitionRetry    = "retry"
	TransitionFail     = "fail"
	TransitionCancel   = "cancel"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Transition string
	Result     string
	// Source tags completions with how the report was obtained (hit, loaded, shared).
	Source   string
	Duration time.Duration
	Err      error
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	if in.Source != "" {
		tags["source"] = in.Source
	}
	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("job.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitQueueDepth records the number of pending jobs, the scale-out signal.
func EmitQueueDepth(sink statsd.Sink, depth int64) {
	if sink == nil {
		return
	}
	sink.Gauge("queue.depth", float64(depth), nil)
}

// EmitBreakerState records the state of one dependency's circuit breaker as a
// gauge: 0 closed, 1 open, 2 half-open.
func EmitBreakerState(sink statsd.Sink, dependency string, state int, consecutiveFailures int) {
	if sink == nil {
		return
	}
	tags := map[string]string{"dependency": dependency}
	sink.Gauge("breaker.state", float64(state), tags)
	sink.Gauge("breaker.consecutive_failures", float64(consecutiveFailures), CloneTags(tags))
}

// EmitBreakerTransition counts one breaker state change.
func EmitBreakerTransition(sink statsd.Sink, dependency, from, to string) {
	if sink == nil {
		return
	}
	sink.Count("breaker.transition", 1, map[string]string{
		"dependency": dependency,
		"from":       from,
		"to":         to,
	})
}

// EmitLogStoreAppend counts one execution log append by result
// (success, error or dropped).
func EmitLogStoreAppend(sink statsd.Sink, result string, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": result}
	if err != nil && result == ResultError {
		if class := obserrors.Classify(err); class != "" {
			tags["error_class"] = class
		}
	}
	sink.Count("execlog.append", 1, tags)
}

// EmitCacheLookup counts one report cache lookup by source
// (hit, loaded, shared, miss or inflight).
func EmitCacheLookup(sink statsd.Sink, source string) {
	if sink == nil {
		return
	}
	sink.Count("cache.lookup", 1, map[string]string{"source": source})
}

// EmitAdmission counts one intake admission decision.
func EmitAdmission(sink statsd.Sink, admitted bool) {
	if sink == nil {
		return
	}
	sink.Count("intake.admission", 1, map[string]string{"admitted": strconv.FormatBool(admitted)})
}

// EmitPipelineRun times one pipeline run.
func EmitPipelineRun(sink statsd.Sink, d time.Duration, err error) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": ResultSuccess}
	if err != nil {
		tags["result"] = ResultError
		tags["error_class"] = obserrors.Classify(err)
	}
	sink.Timing("pipeline.duration", d, tags)
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
