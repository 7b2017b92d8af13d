package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
)

const expiredLeaseError = "lease expired before the job was acknowledged"

// RequeueExpiredLeases returns lapsed leases to pending, charging each lapse
// against the retry budget.
func (s *Store) RequeueExpiredLeases(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeueExpiredLocked(s.now()), nil
}

func (s *Store) requeueExpiredLocked(now time.Time) int64 {
	var n int64
	for _, j := range s.jobs {
		if j.Status != model.JobStatusRunning || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		n++
		msg := expiredLeaseError
		j.RetryCount++
		j.LastError = &msg
		j.ErrorKind = model.ErrorKindLeaseExpired
		j.LeaseOwner = nil
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		if j.RetryCount >= j.MaxRetries {
			j.Status = model.JobStatusFailed
			completed := now
			j.CompletedAt = &completed
			continue
		}
		j.Status = model.JobStatusPending
		s.pushLocked(j)
	}
	if n > 0 {
		s.logger.Debug("requeued expired leases", "count", n)
	}
	return n
}

// FailStalePendingJobs fails up to batchSize pending jobs created before now-maxAge.
func (s *Store) FailStalePendingJobs(_ context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if maxAge <= 0 || batchSize <= 0 {
		return 0, errors.New("max age and batch size must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-maxAge)
	stale := s.collectLocked(batchSize, func(j *model.Job) (time.Time, bool) {
		return j.CreatedAt, j.Status == model.JobStatusPending && j.CreatedAt.Before(cutoff)
	})
	for _, j := range stale {
		msg := "job timed out in pending status"
		s.removePendingLocked(j.ID)
		j.Status = model.JobStatusFailed
		j.LastError = &msg
		j.ErrorKind = model.ErrorKindStalePending
		completed := now
		j.CompletedAt = &completed
		j.UpdatedAt = now
	}
	return int64(len(stale)), nil
}

// DeleteOldJobs removes terminal jobs, and their reports, older than params.MaxAge.
func (s *Store) DeleteOldJobs(_ context.Context, params core.DeleteOldJobsParams) (int64, error) {
	if !params.Status.Terminal() {
		return 0, fmt.Errorf("invalid job status for deletion: %s", params.Status)
	}
	if params.MaxAge <= 0 || params.BatchSize <= 0 {
		return 0, errors.New("max age and batch size must be greater than zero")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-params.MaxAge)
	old := s.collectLocked(params.BatchSize, func(j *model.Job) (time.Time, bool) {
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		return at, j.Status == params.Status && at.Before(cutoff)
	})
	for _, j := range old {
		delete(s.jobs, j.ID)
		delete(s.reports, j.ID)
	}
	return int64(len(old)), nil
}

// collectLocked returns up to limit jobs matching pred, oldest key first.
func (s *Store) collectLocked(limit int, pred func(*model.Job) (time.Time, bool)) []*model.Job {
	type keyed struct {
		at  time.Time
		job *model.Job
	}
	var matches []keyed
	for _, j := range s.jobs {
		if at, ok := pred(j); ok {
			matches = append(matches, keyed{at: at, job: j})
		}
	}
	sort.Slice(matches, func(a, b int) bool { return matches[a].at.Before(matches[b].at) })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]*model.Job, len(matches))
	for i, m := range matches {
		out[i] = m.job
	}
	return out
}

var _ core.ReaperRepository = (*Store)(nil)
