package testutil

import (
	"time"

	"github.com/target/researchq/internal/domain/model"
)

// JobOption adjusts a request built by JobRequest.
type JobOption func(*model.CreateJobRequest)

// JobRequest returns a valid BTC request from test-client at priority 50
// with three retries, then applies opts.
func JobRequest(opts ...JobOption) *model.CreateJobRequest {
	req := &model.CreateJobRequest{
		Asset:      "BTC",
		ClientID:   "test-client",
		Priority:   50,
		MaxRetries: 3,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}

func Asset(symbol string) JobOption {
	return func(r *model.CreateJobRequest) { r.Asset = symbol }
}

func Client(id string) JobOption {
	return func(r *model.CreateJobRequest) { r.ClientID = id }
}

func Priority(p int) JobOption {
	return func(r *model.CreateJobRequest) { r.Priority = p }
}

func MaxRetries(n int) JobOption {
	return func(r *model.CreateJobRequest) { r.MaxRetries = n }
}

// ScheduledAt delays the job until at.
func ScheduledAt(at time.Time) JobOption {
	return func(r *model.CreateJobRequest) { r.ScheduledAt = &at }
}

// NewReport returns a report for asset that passes schema validation.
func NewReport(asset string) *model.Report {
	return &model.Report{
		Asset:          asset,
		RiskLevel:      model.RiskLow,
		SentimentScore: 0.72,
		ToolsUsed:      []string{"price", "sentiment"},
		Analysis:       asset + " trades at 50000.00 with sentiment 0.72",
	}
}
