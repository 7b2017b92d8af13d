// Package memstore provides in-memory implementations of the job queue, the
// transactional store, the reaper repository and the log store. It follows the
// Postgres semantics and backs STORE_DRIVER=memory and the package tests.
package memstore

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/job"
	"github.com/target/researchq/internal/domain/model"
)

const defaultRetryDelay = 5 * time.Second

// Options configures New.
type Options struct {
	Clock       clock.Clock
	LeasePolicy *job.LeasePolicy
	// RetryDelay postpones a dead-lettered job that still has retries left.
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Store is a mutex-guarded in-memory job queue and report store.
type Store struct {
	mu         sync.Mutex
	clock      clock.Clock
	leases     *job.LeasePolicy
	retryDelay time.Duration
	logger     *slog.Logger

	jobs    map[string]*model.Job
	reports map[string]*model.Report
	pending pendingHeap
	items   map[string]*pendingItem
	wake    chan struct{}
}

// New creates an empty Store.
func New(opts Options) *Store {
	leases := opts.LeasePolicy
	if leases == nil {
		leases, _ = job.NewLeasePolicy(60*time.Second, 0)
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		clock:      clock.Or(opts.Clock),
		leases:     leases,
		retryDelay: delay,
		logger:     logger.With("component", "memstore"),
		jobs:       make(map[string]*model.Job),
		reports:    make(map[string]*model.Report),
		items:      make(map[string]*pendingItem),
		wake:       make(chan struct{}),
	}
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// pushLocked adds j to the pending heap and wakes waiters.
func (s *Store) pushLocked(j *model.Job) {
	item := &pendingItem{job: j}
	heap.Push(&s.pending, item)
	s.items[j.ID] = item
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Store) removePendingLocked(id string) {
	if item, ok := s.items[id]; ok {
		heap.Remove(&s.pending, item.index)
		delete(s.items, id)
	}
}

// Enqueue validates and stores a pending job.
func (s *Store) Enqueue(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("create job request is required")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	scheduledAt := req.EffectiveScheduledAt(now)
	j := &model.Job{
		ID:          uuid.NewString(),
		Asset:       req.Asset,
		ClientID:    req.ClientID,
		Status:      model.JobStatusPending,
		Priority:    req.Priority,
		ScheduledAt: scheduledAt,
		MaxRetries:  req.EffectiveMaxRetries(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	s.pushLocked(j)
	return j.Clone(), nil
}

// Lease claims the highest-priority visible job for workerID.
func (s *Store) Lease(_ context.Context, workerID string, visibility time.Duration) (*model.Job, error) {
	if workerID == "" {
		return nil, errors.New("worker id is required")
	}
	lease := s.leases.Resolve(visibility).Duration

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.requeueExpiredLocked(now)

	var skipped []*pendingItem
	defer func() {
		for _, item := range skipped {
			heap.Push(&s.pending, item)
		}
	}()
	for s.pending.Len() > 0 {
		item, _ := heap.Pop(&s.pending).(*pendingItem)
		if item.job.ScheduledAt.After(now) {
			skipped = append(skipped, item)
			continue
		}
		delete(s.items, item.job.ID)

		j := item.job
		j.Status = model.JobStatusRunning
		if j.StartedAt == nil {
			started := now
			j.StartedAt = &started
		}
		owner := workerID
		expires := now.Add(lease)
		j.LeaseOwner = &owner
		j.LeaseExpiresAt = &expires
		j.UpdatedAt = now
		return j.Clone(), nil
	}
	return nil, model.ErrNoJobsAvailable
}

// Ack acknowledges delivery of a job whose report has been saved.
func (s *Store) Ack(_ context.Context, jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	switch {
	case j.Status == model.JobStatusCompleted:
		return true, nil
	case j.Status == model.JobStatusRunning && ownedBy(j, workerID) && s.reports[jobID] != nil:
		s.completeLocked(j, s.now())
		return true, nil
	default:
		return false, nil
	}
}

// Nack records a failed attempt and either requeues or fails the job.
func (s *Store) Nack(_ context.Context, jobID, workerID string, opts core.NackOptions) (*core.NackResult, error) {
	delay := opts.Delay
	if opts.Disposition == core.NackDeadLetter && delay <= 0 {
		delay = s.retryDelay
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != model.JobStatusRunning || !ownedBy(j, workerID) {
		return nil, model.ErrLeaseLost
	}

	now := s.now()
	j.RetryCount++
	j.LastError = nil
	if opts.Reason != "" {
		reason := opts.Reason
		j.LastError = &reason
	}
	j.ErrorKind = opts.Kind
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	if opts.Terminal || j.RetryCount >= j.MaxRetries {
		j.Status = model.JobStatusFailed
		completed := now
		j.CompletedAt = &completed
	} else {
		j.Status = model.JobStatusPending
		j.CompletedAt = nil
		j.ScheduledAt = now.Add(delay)
		s.pushLocked(j)
	}
	return &core.NackResult{Status: j.Status, RetryCount: j.RetryCount}, nil
}

// ExtendLease pushes the lease expiry forward while workerID still owns the job.
func (s *Store) ExtendLease(_ context.Context, jobID, workerID string, visibility time.Duration) (bool, error) {
	lease := s.leases.Resolve(visibility).Duration

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok || j.Status != model.JobStatusRunning || !ownedBy(j, workerID) {
		return false, nil
	}
	now := s.now()
	expires := now.Add(lease)
	j.LeaseExpiresAt = &expires
	j.UpdatedAt = now
	return true, nil
}

// Withdraw deletes a pending job.
func (s *Store) Withdraw(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if j.Status != model.JobStatusPending {
		return model.ErrJobNotWithdrawable
	}
	s.removePendingLocked(jobID)
	delete(s.jobs, jobID)
	return nil
}

// Depth returns the number of pending jobs.
func (s *Store) Depth(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.pending.Len()), nil
}

// WaitForNotification blocks until a job becomes pending or ctx ends.
func (s *Store) WaitForNotification(ctx context.Context) error {
	s.mu.Lock()
	wake := s.wake
	s.mu.Unlock()

	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, model.ErrJobNotFound
	}
	return j.Clone(), nil
}

// UpdateStatus applies a guarded move to pending or failed.
func (s *Store) UpdateStatus(_ context.Context, jobID string, params core.UpdateStatusParams) error {
	if !model.CanUpdateStatus(params.From, params.To) {
		return fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, params.From, params.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return model.ErrJobNotFound
	}
	if j.Status != params.From {
		return fmt.Errorf("%w: job is %s, expected %s", model.ErrInvalidTransition, j.Status, params.From)
	}

	now := s.now()
	if params.LastError != nil {
		msg := *params.LastError
		j.LastError = &msg
	}
	j.ErrorKind = params.ErrorKind
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
	j.Status = params.To

	switch params.To {
	case model.JobStatusFailed:
		completed := now
		j.CompletedAt = &completed
		s.removePendingLocked(jobID)
	case model.JobStatusPending:
		if _, queued := s.items[jobID]; !queued {
			s.pushLocked(j)
		}
	}
	return nil
}

// Stats returns the number of jobs in each status.
func (s *Store) Stats(context.Context) (*model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var st model.JobStats
	for _, j := range s.jobs {
		switch j.Status {
		case model.JobStatusPending:
			st.Pending++
		case model.JobStatusRunning:
			st.Running++
		case model.JobStatusCompleted:
			st.Completed++
		case model.JobStatusFailed:
			st.Failed++
		}
	}
	return &st, nil
}

// SaveReport stores the report and completes the job atomically.
func (s *Store) SaveReport(_ context.Context, params core.SaveReportParams) error {
	if err := params.Report.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[params.JobID]
	if !ok || j.Status != model.JobStatusRunning || !ownedBy(j, params.WorkerID) {
		return model.ErrLeaseLost
	}

	now := s.now()
	report := params.Report.Clone()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	s.reports[j.ID] = report
	j.LastError = nil
	j.ErrorKind = model.ErrorKindNone
	s.completeLocked(j, now)
	return nil
}

// GetReport returns a copy of the report saved for jobID.
func (s *Store) GetReport(_ context.Context, jobID string) (*model.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reports[jobID]
	if !ok {
		return nil, model.ErrReportNotFound
	}
	return r.Clone(), nil
}

func (s *Store) completeLocked(j *model.Job, now time.Time) {
	j.Status = model.JobStatusCompleted
	if j.CompletedAt == nil {
		completed := now
		j.CompletedAt = &completed
	}
	j.LeaseOwner = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = now
}

func ownedBy(j *model.Job, workerID string) bool {
	return j.LeaseOwner != nil && *j.LeaseOwner == workerID
}

var (
	_ core.JobQueue    = (*Store)(nil)
	_ core.JobStore    = (*Store)(nil)
	_ core.ReportStore = (*Store)(nil)
)
