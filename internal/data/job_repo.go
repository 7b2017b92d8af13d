package data

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/domain/job"
	"github.com/target/researchq/internal/domain/model"
)

// jobsChannel is the LISTEN/NOTIFY channel signalled on every enqueue.
const jobsChannel = "research_jobs_added"

const defaultRetryDelay = 5 * time.Second

// RepoConfig holds configuration options for the job repository.
type RepoConfig struct {
	// RetryDelay postpones a dead-lettered job that still has retries left.
	RetryDelay  time.Duration
	LeasePolicy *job.LeasePolicy
	Logger      *slog.Logger
	Clock       clock.Clock
}

// JobRepo is the Postgres implementation of the job queue and the job half of
// the transactional store.
type JobRepo struct {
	DB     *sql.DB
	cfg    RepoConfig
	clock  clock.Clock
	leases *job.LeasePolicy
	logger *slog.Logger
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	leases := cfg.LeasePolicy
	if leases == nil {
		leases, _ = job.NewLeasePolicy(60*time.Second, 0)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}

	return &JobRepo{
		DB:     db,
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		leases: leases,
		logger: logger.With("component", "job_repo"),
	}
}

func (r *JobRepo) now() time.Time {
	return r.clock.Now().UTC()
}

const jobColumns = `
  id,
  asset,
  client_id,
  status,
  priority,
  scheduled_at,
  started_at,
  completed_at,
  retry_count,
  max_retries,
  last_error,
  error_kind,
  lease_owner,
  lease_expires_at,
  created_at,
  updated_at
`

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	lastError, leaseOwner                  sql.NullString
	startedAt, completedAt, leaseExpiresAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, j *model.Job) error {
	return scanner.Scan(
		&j.ID,
		&j.Asset,
		&j.ClientID,
		&j.Status,
		&j.Priority,
		&j.ScheduledAt,
		&d.startedAt,
		&d.completedAt,
		&j.RetryCount,
		&j.MaxRetries,
		&d.lastError,
		&j.ErrorKind,
		&d.leaseOwner,
		&d.leaseExpiresAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
}

func (d *jobRowData) apply(j *model.Job) {
	j.LastError = nullableString(d.lastError)
	j.LeaseOwner = nullableString(d.leaseOwner)
	j.StartedAt = nullableTime(d.startedAt)
	j.CompletedAt = nullableTime(d.completedAt)
	j.LeaseExpiresAt = nullableTime(d.leaseExpiresAt)
	j.ScheduledAt = j.ScheduledAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
}

func scanJob(scanner jobRowScanner) (*model.Job, error) {
	j := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, j); err != nil {
		return nil, err
	}
	data.apply(j)
	return j, nil
}

func nullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// validJobID reports whether id can name a row; malformed ids are treated as missing
// rather than surfacing a Postgres cast error.
func validJobID(id string) bool {
	return uuid.Validate(id) == nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
