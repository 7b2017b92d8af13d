// Package model defines the core data types shared across the research job system.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus represents the current status of a job.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates a job is waiting to be leased.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates a worker holds a lease on the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates a report was produced and persisted.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job exhausted its retry budget or failed terminally.
	JobStatusFailed JobStatus = "failed"
)

const (
	// DefaultMaxRetries is the retry budget applied when a request does not set one.
	DefaultMaxRetries = 3
	// MaxPriority bounds the priority accepted at intake.
	MaxPriority = 100
	// MaxRetryBudget bounds the retry budget a request may ask for.
	MaxRetryBudget = 25
	// MaxClientIDLen bounds the client id, which also keys rate-limit buckets.
	MaxClientIDLen = 128
	maxAssetLen    = 20
)

var (
	// ErrNoJobsAvailable is returned when no jobs are available for leasing.
	ErrNoJobsAvailable = errors.New("no jobs available")
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotWithdrawable is returned when withdrawing a job that is no longer pending.
	ErrJobNotWithdrawable = errors.New("job cannot be withdrawn (must be pending and unleased)")
	// ErrInvalidTransition is returned when a status change would violate the job lifecycle.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrLeaseLost is returned when a worker acts on a job it no longer holds a lease on.
	ErrLeaseLost = errors.New("job lease is no longer held by this worker")

	assetPattern = regexp.MustCompile(`^[A-Z0-9.\-]+$`)
)

// UnmarshalText implements encoding.TextUnmarshaler for JobStatus.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := JobStatus(strings.ToLower(strings.TrimSpace(string(text))))
	if !v.Valid() {
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	*s = v
	return nil
}

// Valid returns true if the JobStatus is valid.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusRunning || s == JobStatusCompleted ||
		s == JobStatusFailed
}

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
// A running job may return to pending when its lease expires or it is requeued;
// terminal states are never left.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusPending || to == JobStatusCompleted || to == JobStatusFailed
	default:
		return false
	}
}

// CanUpdateStatus reports whether a direct status update may move a job from one
// status to another. Leasing and completion are excluded because they carry a
// lease owner and a report respectively.
func CanUpdateStatus(from, to JobStatus) bool {
	if to != JobStatusPending && to != JobStatusFailed {
		return false
	}
	return CanTransition(from, to)
}

// ErrorKind records which failure class ended the last attempt of a job.
type ErrorKind string

const (
	ErrorKindNone            ErrorKind = ""
	ErrorKindValidation      ErrorKind = "validation"
	ErrorKindToolError       ErrorKind = "tool_error"
	ErrorKindToolUnavailable ErrorKind = "tool_unavailable"
	ErrorKindStore           ErrorKind = "transactional_store"
	ErrorKindCanceled        ErrorKind = "canceled"
	ErrorKindInternal        ErrorKind = "internal"
	ErrorKindLeaseExpired    ErrorKind = "lease_expired"
	ErrorKindStalePending    ErrorKind = "stale_pending"
)

// Job represents one research request for an asset and its lifecycle state.
type Job struct {
	ID             string     `json:"id"                         db:"id"`
	Asset          string     `json:"asset"                      db:"asset"`
	ClientID       string     `json:"client_id"                  db:"client_id"`
	Status         JobStatus  `json:"status"                     db:"status"`
	Priority       int        `json:"priority"                   db:"priority"`
	ScheduledAt    time.Time  `json:"scheduled_at"               db:"scheduled_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"       db:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"     db:"completed_at"`
	RetryCount     int        `json:"retry_count"                db:"retry_count"`
	MaxRetries     int        `json:"max_retries"                db:"max_retries"`
	LastError      *string    `json:"last_error,omitempty"       db:"last_error"`
	ErrorKind      ErrorKind  `json:"error_kind,omitempty"       db:"error_kind"`
	LeaseOwner     *string    `json:"lease_owner,omitempty"      db:"lease_owner"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	CreatedAt      time.Time  `json:"created_at"                 db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"                 db:"updated_at"`
}

// SubmittedAt returns the time the job was accepted at intake.
func (j *Job) SubmittedAt() time.Time {
	return j.CreatedAt
}

// LeasedBy reports whether workerID holds an unexpired lease on the job at now.
func (j *Job) LeasedBy(workerID string, now time.Time) bool {
	if j == nil || j.Status != JobStatusRunning || j.LeaseOwner == nil || j.LeaseExpiresAt == nil {
		return false
	}
	return *j.LeaseOwner == workerID && now.Before(*j.LeaseExpiresAt)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	cp.LeaseExpiresAt = cloneTime(j.LeaseExpiresAt)
	cp.LastError = cloneString(j.LastError)
	cp.LeaseOwner = cloneString(j.LeaseOwner)
	return &cp
}

// CreateJobRequest represents a request to enqueue a new research job.
type CreateJobRequest struct {
	Asset       string     `json:"asset"`
	ClientID    string     `json:"client_id"`
	Priority    int        `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	MaxRetries  int        `json:"max_retries,omitempty"`
}

// Normalize trims and upper-cases the asset symbol in place.
func (r *CreateJobRequest) Normalize() {
	r.Asset = NormalizeAsset(r.Asset)
	r.ClientID = strings.TrimSpace(r.ClientID)
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if err := ValidateAsset(r.Asset); err != nil {
		return err
	}
	if r.ClientID == "" {
		return errors.New("client id is required")
	}
	if len(r.ClientID) > MaxClientIDLen {
		return fmt.Errorf("client id must be at most %d characters", MaxClientIDLen)
	}
	if r.Priority < 0 || r.Priority > MaxPriority {
		return fmt.Errorf("priority must be between 0 and %d", MaxPriority)
	}
	if r.MaxRetries < 0 || r.MaxRetries > MaxRetryBudget {
		return fmt.Errorf("max retries must be between 0 and %d", MaxRetryBudget)
	}
	return nil
}

// EffectiveScheduledAt returns when the job becomes visible to workers. A
// past or missing ScheduledAt means now, so a client cannot jump ahead of
// jobs submitted before it.
func (r *CreateJobRequest) EffectiveScheduledAt(now time.Time) time.Time {
	if r.ScheduledAt == nil || r.ScheduledAt.Before(now) {
		return now.UTC()
	}
	return r.ScheduledAt.UTC()
}

// EffectiveMaxRetries returns the retry budget to persist for the request.
func (r *CreateJobRequest) EffectiveMaxRetries() int {
	if r.MaxRetries > 0 {
		return r.MaxRetries
	}
	return DefaultMaxRetries
}

// NormalizeAsset trims whitespace and upper-cases an asset symbol.
func NormalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// ValidateAsset checks a normalized asset symbol.
func ValidateAsset(asset string) error {
	if asset == "" {
		return errors.New("asset is required")
	}
	if len(asset) > maxAssetLen {
		return fmt.Errorf("asset must be at most %d characters", maxAssetLen)
	}
	if !assetPattern.MatchString(asset) {
		return fmt.Errorf("asset %q contains invalid characters", asset)
	}
	return nil
}

// JobStats represents counts of jobs in each state.
type JobStats struct {
	Pending   int64 `json:"pending"`
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// JobStatusView is the read model returned to status lookups.
type JobStatusView struct {
	JobID       string     `json:"job_id"`
	Asset       string     `json:"asset"`
	Status      JobStatus  `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	Report      *Report    `json:"report,omitempty"`
	Error       *string    `json:"error,omitempty"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
