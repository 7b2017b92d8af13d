// Package core declares the ports shared by the research job services, workers and stores.
package core

import (
	"time"

	"github.com/target/researchq/internal/domain/model"
)

// NackDisposition selects what happens to a job whose attempt failed.
type NackDisposition string

const (
	// NackRequeue makes the job visible again immediately (after Delay, if set).
	// The attempt still counts against the retry budget.
	NackRequeue NackDisposition = "requeue"
	// NackDeadLetter retries with backoff until the retry budget is spent, then
	// moves the job to failed. Terminal skips the remaining budget.
	NackDeadLetter NackDisposition = "deadletter"
)

// NackOptions describe a failed attempt.
type NackOptions struct {
	Disposition NackDisposition
	Reason      string
	Kind        model.ErrorKind
	// Delay postpones visibility of a job returned to pending.
	Delay time.Duration
	// Terminal fails the job immediately regardless of remaining retries.
	Terminal bool
}

// NackResult reports the state a nacked job ended in.
type NackResult struct {
	Status     model.JobStatus
	RetryCount int
}

// Failed reports whether the nack moved the job to its terminal failed state.
func (r *NackResult) Failed() bool {
	return r != nil && r.Status == model.JobStatusFailed
}

// RetryDelay returns the backoff applied to a dead-lettered job before its next attempt.
func RetryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	d := time.Duration(1<<min(retryCount-1, 6)) * time.Second
	return min(d, time.Minute)
}
