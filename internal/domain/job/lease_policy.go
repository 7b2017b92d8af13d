// Package job holds queue-level policies shared by the job queue implementations.
package job

import (
	"errors"
	"time"
)

// MinLease is the shortest visibility timeout a lease may carry.
const MinLease = time.Second

// DefaultMaxLease bounds leases when the policy is built without an explicit maximum.
const DefaultMaxLease = time.Hour

var (
	// ErrInvalidDefaultLease indicates the configured default lease duration is not positive.
	ErrInvalidDefaultLease = errors.New("default lease must be positive")
	// ErrInvalidMaxLease indicates the maximum lease is shorter than the default.
	ErrInvalidMaxLease = errors.New("max lease must not be shorter than the default lease")
)

// LeaseSource identifies how a lease duration was resolved.
type LeaseSource string

const (
	// LeaseSourceExplicit indicates the caller supplied a usable duration.
	LeaseSourceExplicit LeaseSource = "explicit"
	// LeaseSourceDefault indicates the default duration was used.
	LeaseSourceDefault LeaseSource = "default"
	// LeaseSourceClamped indicates the requested duration was clamped into [MinLease, max].
	LeaseSourceClamped LeaseSource = "clamped"
)

// LeasePolicy normalises visibility timeouts for leases and heartbeats.
type LeasePolicy struct {
	defaultLease time.Duration
	maxLease     time.Duration
}

// NewLeasePolicy constructs a LeasePolicy. A zero maxLease selects DefaultMaxLease,
// or the default lease when that is longer.
func NewLeasePolicy(defaultLease, maxLease time.Duration) (*LeasePolicy, error) {
	if defaultLease <= 0 {
		return nil, ErrInvalidDefaultLease
	}
	if maxLease == 0 {
		maxLease = max(DefaultMaxLease, defaultLease)
	}
	if maxLease < defaultLease {
		return nil, ErrInvalidMaxLease
	}
	return &LeasePolicy{
		defaultLease: max(defaultLease, MinLease),
		maxLease:     maxLease,
	}, nil
}

// Default returns the configured default lease duration.
func (p *LeasePolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultLease
}

// Max returns the longest lease the policy grants.
func (p *LeasePolicy) Max() time.Duration {
	if p == nil {
		return 0
	}
	return p.maxLease
}

// LeaseDecision captures the outcome of resolving a lease request.
type LeaseDecision struct {
	Duration  time.Duration
	Source    LeaseSource
	Requested time.Duration
}

// UsedDefault reports whether the policy fell back to the default lease.
func (d LeaseDecision) UsedDefault() bool {
	return d.Source == LeaseSourceDefault
}

// Clamped reports whether the requested value was clamped.
func (d LeaseDecision) Clamped() bool {
	return d.Source == LeaseSourceClamped
}

// Resolve normalises the requested visibility timeout. Zero selects the default;
// anything else is clamped into [MinLease, Max()].
func (p *LeasePolicy) Resolve(request time.Duration) LeaseDecision {
	decision := LeaseDecision{Requested: request}
	if p == nil {
		decision.Duration = MinLease
		decision.Source = LeaseSourceClamped
		return decision
	}

	switch {
	case request == 0:
		decision.Duration = p.defaultLease
		decision.Source = LeaseSourceDefault
	case request < MinLease:
		decision.Duration = MinLease
		decision.Source = LeaseSourceClamped
	case request > p.maxLease:
		decision.Duration = p.maxLease
		decision.Source = LeaseSourceClamped
	default:
		decision.Duration = request
		decision.Source = LeaseSourceExplicit
	}
	return decision
}

// HeartbeatInterval returns how often a lease of length lease should be extended.
func HeartbeatInterval(lease time.Duration) time.Duration {
	interval := lease / 3
	if interval < 100*time.Millisecond {
		return 100 * time.Millisecond
	}
	return interval
}
