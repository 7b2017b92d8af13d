package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ServiceMode names one of the long-running roles a process can take on.
type ServiceMode string

const (
	// ServiceModeHTTP accepts research submissions and serves job status.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeWorker leases jobs and runs the research pipeline.
	ServiceModeWorker ServiceMode = "worker"
	// ServiceModeReaper fails stuck jobs and prunes old ones.
	ServiceModeReaper ServiceMode = "reaper"
)

var serviceModes = []ServiceMode{ServiceModeHTTP, ServiceModeWorker, ServiceModeReaper}

// ValidServiceModes returns every known service mode.
func ValidServiceModes() []ServiceMode {
	return slices.Clone(serviceModes)
}

// ParseServices turns a comma-separated SERVICES value into a set. Names are
// case-insensitive; blanks and repeats are ignored.
func ParseServices(raw string) (map[ServiceMode]bool, error) {
	if strings.TrimSpace(raw) == "" {
		return map[ServiceMode]bool{}, errors.New("at least one service must be specified")
	}

	enabled := make(map[ServiceMode]bool, len(serviceModes))
	for part := range strings.SplitSeq(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		mode := ServiceMode(name)
		if !slices.Contains(serviceModes, mode) {
			return nil, fmt.Errorf("invalid service name %q (valid: %s)", name, joinModes(serviceModes))
		}
		enabled[mode] = true
	}
	if len(enabled) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return enabled, nil
}

func joinModes(modes []ServiceMode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

// ReaperConfig controls the maintenance loop.
type ReaperConfig struct {
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// PendingMaxAge fails jobs that have waited this long without a worker.
	PendingMaxAge time.Duration `env:"REAPER_PENDING_MAX_AGE" envDefault:"1h"`

	// CompletedMaxAge deletes completed jobs and their reports.
	CompletedMaxAge time.Duration `env:"REAPER_COMPLETED_MAX_AGE" envDefault:"168h"`

	// FailedMaxAge deletes failed and canceled jobs.
	FailedMaxAge time.Duration `env:"REAPER_FAILED_MAX_AGE" envDefault:"168h"`

	// BatchSize caps the rows touched per statement.
	BatchSize int `env:"REAPER_BATCH_SIZE" envDefault:"1000"`
}

const (
	minReaperInterval  = 10 * time.Second
	minPendingMaxAge   = 5 * time.Minute
	minRetentionMaxAge = time.Hour
	maxReaperBatchSize = 10_000
)

// Sanitize raises each setting to its floor and caps BatchSize.
func (r *ReaperConfig) Sanitize() {
	r.Interval = max(r.Interval, minReaperInterval)
	r.PendingMaxAge = max(r.PendingMaxAge, minPendingMaxAge)
	r.CompletedMaxAge = max(r.CompletedMaxAge, minRetentionMaxAge)
	r.FailedMaxAge = max(r.FailedMaxAge, minRetentionMaxAge)
	r.BatchSize = min(max(r.BatchSize, 1), maxReaperBatchSize)
}
