package model

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatus_UnmarshalText(t *testing.T) {
	var s JobStatus
	require.NoError(t, s.UnmarshalText([]byte(" Running ")))
	assert.Equal(t, JobStatusRunning, s)

	assert.Error(t, s.UnmarshalText([]byte("queued")))
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusRunning, true},
		{JobStatusPending, JobStatusFailed, true},
		{JobStatusPending, JobStatusCompleted, false},
		{JobStatusRunning, JobStatusCompleted, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusPending, true},
		{JobStatusCompleted, JobStatusRunning, false},
		{JobStatusCompleted, JobStatusPending, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusFailed, JobStatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanUpdateStatus(t *testing.T) {
	assert.True(t, CanUpdateStatus(JobStatusPending, JobStatusFailed))
	assert.True(t, CanUpdateStatus(JobStatusRunning, JobStatusPending))
	assert.False(t, CanUpdateStatus(JobStatusPending, JobStatusRunning))
	assert.False(t, CanUpdateStatus(JobStatusRunning, JobStatusCompleted))
	assert.False(t, CanUpdateStatus(JobStatusFailed, JobStatusFailed))
}

func TestCreateJobRequest_NormalizeAndValidate(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateJobRequest
		wantErr string
	}{
		{name: "valid", req: CreateJobRequest{Asset: " btc ", ClientID: "c1"}},
		{name: "dotted symbol", req: CreateJobRequest{Asset: "brk.b", ClientID: "c1"}},
		{name: "missing asset", req: CreateJobRequest{Asset: "  ", ClientID: "c1"}, wantErr: "asset is required"},
		{name: "too long", req: CreateJobRequest{Asset: "ABCDEFGHIJKLMNOPQRSTU", ClientID: "c1"}, wantErr: "at most 20"},
		{name: "bad characters", req: CreateJobRequest{Asset: "BTC/USD", ClientID: "c1"}, wantErr: "invalid characters"},
		{name: "missing client", req: CreateJobRequest{Asset: "BTC"}, wantErr: "client id"},
		{name: "priority range", req: CreateJobRequest{Asset: "BTC", ClientID: "c1", Priority: 101}, wantErr: "priority"},
		{name: "negative retries", req: CreateJobRequest{Asset: "BTC", ClientID: "c1", MaxRetries: -1}, wantErr: "max retries"},
		{name: "retry budget cap", req: CreateJobRequest{Asset: "BTC", ClientID: "c1", MaxRetries: MaxRetryBudget}},
		{name: "retry budget too large", req: CreateJobRequest{Asset: "BTC", ClientID: "c1", MaxRetries: 1 << 30}, wantErr: "max retries"},
		{name: "client id too long", req: CreateJobRequest{Asset: "BTC", ClientID: strings.Repeat("c", MaxClientIDLen+1)}, wantErr: "client id must be at most"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.Normalize()
			err := req.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCreateJobRequest_EffectiveMaxRetries(t *testing.T) {
	assert.Equal(t, DefaultMaxRetries, (&CreateJobRequest{}).EffectiveMaxRetries())
	assert.Equal(t, 7, (&CreateJobRequest{MaxRetries: 7}).EffectiveMaxRetries())
}

func TestCreateJobRequest_EffectiveScheduledAt(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(time.Hour)

	assert.Equal(t, now, (&CreateJobRequest{}).EffectiveScheduledAt(now))
	assert.Equal(t, now, (&CreateJobRequest{ScheduledAt: &past}).EffectiveScheduledAt(now))
	assert.Equal(t, future, (&CreateJobRequest{ScheduledAt: &future}).EffectiveScheduledAt(now))
}

func TestJob_LeasedBy(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	owner := "worker-1"
	expires := now.Add(time.Minute)
	j := &Job{Status: JobStatusRunning, LeaseOwner: &owner, LeaseExpiresAt: &expires}

	assert.True(t, j.LeasedBy("worker-1", now))
	assert.False(t, j.LeasedBy("worker-2", now))
	assert.False(t, j.LeasedBy("worker-1", expires))

	j.Status = JobStatusCompleted
	assert.False(t, j.LeasedBy("worker-1", now))
}

func TestJob_CloneIsDeep(t *testing.T) {
	msg := "boom"
	started := time.Now()
	j := &Job{ID: "a", LastError: &msg, StartedAt: &started}

	cp := j.Clone()
	*cp.LastError = "changed"
	*cp.StartedAt = started.Add(time.Hour)

	assert.Equal(t, "boom", *j.LastError)
	assert.Equal(t, started, *j.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestJobStatusView_JSONOmitsEmptyReport(t *testing.T) {
	view := JobStatusView{JobID: "a", Asset: "BTC", Status: JobStatusPending}
	raw, err := json.Marshal(view)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "report")
	assert.Contains(t, string(raw), `"status":"pending"`)
}
