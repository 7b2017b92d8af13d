// Package execlog delivers execution log entries to the log store in the
// background so that pipeline runs never wait on it.
package execlog

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/observability/metrics"
	"github.com/target/researchq/internal/observability/statsd"
)

const (
	DefaultBuffer        = 1024
	DefaultAppendTimeout = 2 * time.Second
	flushTimeout         = 5 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	Store         core.LogStore
	Buffer        int
	AppendTimeout time.Duration
	Metrics       statsd.Sink
	Logger        *slog.Logger
}

// Stats counts entries by outcome.
type Stats struct {
	Appended int64
	Failed   int64
	Dropped  int64
}

// Dispatcher is a bounded queue in front of a LogStore. When the queue is full
// the oldest entry is dropped. Store errors are counted and discarded.
type Dispatcher struct {
	store         core.LogStore
	queue         chan *model.ExecutionLogEntry
	appendTimeout time.Duration
	metrics       statsd.Sink
	logger        *slog.Logger

	appended atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

var _ core.LogStore = (*Dispatcher)(nil)

// New creates a Dispatcher. Call Run to start delivery.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("execlog: store is required")
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	timeout := opts.AppendTimeout
	if timeout <= 0 {
		timeout = DefaultAppendTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:         opts.Store,
		queue:         make(chan *model.ExecutionLogEntry, buffer),
		appendTimeout: timeout,
		metrics:       opts.Metrics,
		logger:        logger.With("component", "execlog_dispatcher"),
	}, nil
}

// Append enqueues a copy of entry without blocking.
func (d *Dispatcher) Append(_ context.Context, entry *model.ExecutionLogEntry) error {
	if entry == nil {
		return errors.New("execution log entry is required")
	}
	cp := *entry
	for {
		select {
		case d.queue <- &cp:
			return nil
		default:
		}
		select {
		case <-d.queue:
			d.dropped.Add(1)
			metrics.EmitLogStoreAppend(d.metrics, metrics.ResultDropped, nil)
		default:
		}
	}
}

// Run delivers queued entries until ctx is canceled, then flushes what is
// left for a bounded time.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case entry := <-d.queue:
			d.deliver(ctx, entry)
		case <-ctx.Done():
			d.flush(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (d *Dispatcher) flush(ctx context.Context) {
	deadline := time.Now().Add(flushTimeout)
	for time.Now().Before(deadline) {
		select {
		case entry := <-d.queue:
			d.deliver(ctx, entry)
		default:
			return
		}
	}
	if n := len(d.queue); n > 0 {
		d.logger.WarnContext(ctx, "execution log flush incomplete", "remaining", n)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, entry *model.ExecutionLogEntry) {
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.appendTimeout)
	defer cancel()

	if err := d.store.Append(appendCtx, entry); err != nil {
		d.failed.Add(1)
		metrics.EmitLogStoreAppend(d.metrics, metrics.ResultError, err)
		d.logger.DebugContext(ctx, "execution log append failed",
			"job_id", entry.JobID, "tool", entry.Tool, "error", err)
		return
	}
	d.appended.Add(1)
	metrics.EmitLogStoreAppend(d.metrics, metrics.ResultSuccess, nil)
}

// Pending returns the number of queued entries.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Appended: d.appended.Load(),
		Failed:   d.failed.Load(),
		Dropped:  d.dropped.Load(),
	}
}
