// Package notify carries terminal job failure alerts to external sinks.
package notify

import (
	"context"
	"strings"
	"time"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload describes a research job that ended in the failed state.
type JobFailurePayload struct {
	JobID      string
	Asset      string
	ClientID   string
	ErrorKind  string
	Error      string
	ErrorClass string
	RetryCount int
	MaxRetries int
	Severity   string
	OccurredAt time.Time
	Metadata   map[string]string
}

// Level is the lower-cased severity, critical when unset.
func (p JobFailurePayload) Level() string {
	return Fallback(strings.ToLower(strings.TrimSpace(p.Severity)), SeverityCritical)
}

// At is OccurredAt in UTC, or the current time when unset.
func (p JobFailurePayload) At() time.Time {
	if p.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return p.OccurredAt.UTC()
}

// Sink delivers failure alerts.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc lets a plain function act as a Sink. A nil SinkFunc drops alerts.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f != nil {
		return f(ctx, payload)
	}
	return nil
}
