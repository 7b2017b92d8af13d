package core

import (
	"context"
	"time"

	"github.com/target/researchq/internal/domain/model"
)

// This file contains repository interface definitions (ports in hexagonal architecture).
// Services and workers depend on these interfaces; the data layer provides
// Postgres, Redis and in-memory implementations.

// JobQueue is the leased work queue. Delivery is at-least-once: a lease that is
// neither acked nor nacked before it expires makes the job visible again.
type JobQueue interface {
	Enqueue(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	// Lease claims the highest-priority visible job for workerID. It returns
	// model.ErrNoJobsAvailable when nothing is visible.
	Lease(ctx context.Context, workerID string, visibility time.Duration) (*model.Job, error)
	// Ack acknowledges a job whose report is saved; a completed job acks as a
	// no-op. It returns false when neither holds.
	Ack(ctx context.Context, jobID, workerID string) (bool, error)
	Nack(ctx context.Context, jobID, workerID string, opts NackOptions) (*NackResult, error)
	ExtendLease(ctx context.Context, jobID, workerID string, visibility time.Duration) (bool, error)
	// Withdraw removes a pending, unleased job.
	Withdraw(ctx context.Context, jobID string) error
	// Depth returns the number of pending jobs.
	Depth(ctx context.Context) (int64, error)
	WaitForNotification(ctx context.Context) error
}

// JobStore is the transactional view of job records read by status lookups.
type JobStore interface {
	GetJob(ctx context.Context, jobID string) (*model.Job, error)
	// UpdateStatus applies a lifecycle transition, rejecting moves that
	// model.CanTransition forbids with model.ErrInvalidTransition.
	UpdateStatus(ctx context.Context, jobID string, params UpdateStatusParams) error
	Stats(ctx context.Context) (*model.JobStats, error)
}

// UpdateStatusParams groups the fields written by JobStore.UpdateStatus.
type UpdateStatusParams struct {
	From      model.JobStatus
	To        model.JobStatus
	LastError *string
	ErrorKind model.ErrorKind
}

// ReportStore persists reports. SaveReport stores the report and marks the job
// completed in one transaction; it fails if workerID no longer holds the lease.
type ReportStore interface {
	SaveReport(ctx context.Context, params SaveReportParams) error
	GetReport(ctx context.Context, jobID string) (*model.Report, error)
}

// SaveReportParams groups parameters for ReportStore.SaveReport.
type SaveReportParams struct {
	JobID    string
	WorkerID string
	Report   *model.Report
}

// LogStore is the best-effort execution log. Errors are for metrics only.
type LogStore interface {
	Append(ctx context.Context, entry *model.ExecutionLogEntry) error
}

// LogReader returns the execution trace of one job.
type LogReader interface {
	// Read returns at most limit of the most recent entries for jobID,
	// oldest first.
	Read(ctx context.Context, jobID string, limit int) ([]*model.ExecutionLogEntry, error)
}

// CacheRepository is a byte-oriented key/value store with TTLs, used as the
// shared tier of the report cache.
type CacheRepository interface {
	// Set stores a value with the given TTL. A zero TTL never expires.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Get returns nil when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Health(ctx context.Context) error
}

// DeleteOldJobsParams groups parameters for DeleteOldJobs.
type DeleteOldJobsParams struct {
	Status    model.JobStatus
	MaxAge    time.Duration
	BatchSize int
}

// ReaperRepository defines the interface for job cleanup operations.
type ReaperRepository interface {
	// RequeueExpiredLeases returns running jobs whose lease has lapsed to pending,
	// or fails them when their retry budget is spent. Returns the number touched.
	RequeueExpiredLeases(ctx context.Context) (int64, error)

	// FailStalePendingJobs marks pending jobs older than maxAge as failed.
	// Processes up to batchSize jobs per call to prevent long locks.
	FailStalePendingJobs(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)

	// DeleteOldJobs deletes jobs (and their reports) with the given terminal
	// status older than maxAge, up to batchSize per call.
	DeleteOldJobs(ctx context.Context, params DeleteOldJobsParams) (int64, error)
}
