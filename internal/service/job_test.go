package service

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/data/memstore"
	"github.com/target/researchq/internal/domain/model"
	apperrors "github.com/target/researchq/internal/errors"
	"github.com/target/researchq/internal/mocks"
	"github.com/target/researchq/internal/observability/statsd"
	"github.com/target/researchq/internal/ratelimit"
)

type jobServiceMocks struct {
	queue   *mocks.MockJobQueue
	store   *mocks.MockJobStore
	reports *mocks.MockReportStore
}

func newMockedJobService(t *testing.T, limiter Admitter) (*JobService, jobServiceMocks, *statsd.Recorder) {
	t.Helper()
	ctrl := gomock.NewController(t)
	m := jobServiceMocks{
		queue:   mocks.NewMockJobQueue(ctrl),
		store:   mocks.NewMockJobStore(ctrl),
		reports: mocks.NewMockReportStore(ctrl),
	}
	rec := statsd.NewRecorder()
	svc := MustNewJobService(JobServiceOptions{
		Queue:   m.queue,
		Store:   m.store,
		Reports: m.reports,
		Limiter: limiter,
		Metrics: rec,
		Logger:  slog.New(slog.DiscardHandler),
	})
	return svc, m, rec
}

type denyAll struct{}

func (denyAll) TryAcquire(string, int) bool { return false }

func TestNewJobService(t *testing.T) {
	ctrl := gomock.NewController(t)
	queue := mocks.NewMockJobQueue(ctrl)
	store := mocks.NewMockJobStore(ctrl)
	reports := mocks.NewMockReportStore(ctrl)

	tests := []struct {
		name    string
		opts    JobServiceOptions
		wantErr string
	}{
		{name: "missing queue", opts: JobServiceOptions{Store: store, Reports: reports}, wantErr: "JobQueue is required"},
		{name: "missing store", opts: JobServiceOptions{Queue: queue, Reports: reports}, wantErr: "JobStore is required"},
		{name: "missing reports", opts: JobServiceOptions{Queue: queue, Store: store}, wantErr: "ReportStore is required"},
		{name: "valid", opts: JobServiceOptions{Queue: queue, Store: store, Reports: reports}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewJobService(tt.opts)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				assert.Nil(t, svc)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}

	assert.Panics(t, func() { MustNewJobService(JobServiceOptions{}) })
}

func TestJobService_Submit(t *testing.T) {
	t.Run("normalizes and enqueues", func(t *testing.T) {
		svc, m, rec := newMockedJobService(t, nil)
		m.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, "BTC", req.Asset)
				assert.Equal(t, "client-1", req.ClientID)
				assert.Equal(t, 5, req.Priority)
				return &model.Job{ID: "job-1", Asset: req.Asset, ClientID: req.ClientID}, nil
			})

		id, err := svc.Submit(context.Background(), "  btc ", "client-1", SubmitOptions{Priority: 5})
		require.NoError(t, err)
		assert.Equal(t, "job-1", id)
		assert.Equal(t, int64(1), rec.CountTotal("job.transition",
			map[string]string{"transition": "enqueue", "result": "success"}))
	})

	t.Run("applies default retry budget", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		queue := mocks.NewMockJobQueue(ctrl)
		svc := MustNewJobService(JobServiceOptions{
			Queue:      queue,
			Store:      mocks.NewMockJobStore(ctrl),
			Reports:    mocks.NewMockReportStore(ctrl),
			MaxRetries: 7,
		})
		queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
				assert.Equal(t, 7, req.MaxRetries)
				return &model.Job{ID: "job-2"}, nil
			})
		_, err := svc.Submit(context.Background(), "ETH", "c", SubmitOptions{})
		require.NoError(t, err)
	})

	t.Run("invalid asset creates no job", func(t *testing.T) {
		svc, _, _ := newMockedJobService(t, nil)
		for _, asset := range []string{"", "   ", "BTC/USD", "THIS-SYMBOL-IS-FAR-TOO-LONG"} {
			_, err := svc.Submit(context.Background(), asset, "c", SubmitOptions{})
			require.Error(t, err, asset)
			assert.True(t, apperrors.IsValidation(err), asset)
		}
	})

	t.Run("missing client id", func(t *testing.T) {
		svc, _, _ := newMockedJobService(t, nil)
		_, err := svc.Submit(context.Background(), "BTC", " ", SubmitOptions{})
		assert.True(t, apperrors.IsValidation(err))
	})

	t.Run("rate limited creates no job", func(t *testing.T) {
		svc, _, rec := newMockedJobService(t, denyAll{})
		_, err := svc.Submit(context.Background(), "BTC", "c", SubmitOptions{})
		require.Error(t, err)
		assert.True(t, apperrors.IsRateLimited(err))
		assert.Zero(t, apperrors.GetRetryAfter(err))
		assert.Equal(t, int64(1), rec.CountTotal("intake.admission", map[string]string{"admitted": "false"}))
	})

	t.Run("enqueue failure is queue unavailable", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		cause := errors.New("connection refused")
		m.queue.EXPECT().Enqueue(gomock.Any(), gomock.Any()).Return(nil, cause)

		_, err := svc.Submit(context.Background(), "BTC", "c", SubmitOptions{})
		require.Error(t, err)
		assert.True(t, apperrors.IsQueueUnavailable(err))
		assert.ErrorIs(t, err, cause)
	})
}

func TestJobService_SubmitRateLimitCapacity(t *testing.T) {
	limiter, err := ratelimit.New(ratelimit.Config{Capacity: 3, RefillPerSecond: 0.001})
	require.NoError(t, err)
	store := memstore.New(memstore.Options{})
	svc := MustNewJobService(JobServiceOptions{Queue: store, Store: store, Reports: store, Limiter: limiter})

	for i := range 3 {
		_, err := svc.Submit(context.Background(), "BTC", "client-a", SubmitOptions{})
		require.NoError(t, err, "submission %d", i)
	}
	_, err = svc.Submit(context.Background(), "BTC", "client-a", SubmitOptions{})
	assert.True(t, apperrors.IsRateLimited(err))
	assert.InDelta(t, 1000, apperrors.GetRetryAfter(err).Seconds(), 1, "one token refills after 1/R")

	_, err = svc.Submit(context.Background(), "BTC", "client-b", SubmitOptions{})
	require.NoError(t, err)

	depth, err := svc.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), depth)
}

func TestJobService_GetStatus(t *testing.T) {
	submitted := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("pending job has no report", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{
			ID: "job-1", Asset: "BTC", Status: model.JobStatusPending, CreatedAt: submitted,
		}, nil)

		view, err := svc.GetStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusPending, view.Status)
		assert.Equal(t, submitted, view.SubmittedAt)
		assert.Nil(t, view.Report)
	})

	t.Run("completed job carries report", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		report := &model.Report{Asset: "BTC", RiskLevel: model.RiskLow, SentimentScore: 0.72, ToolsUsed: []string{"a"}}
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{
			ID: "job-1", Asset: "BTC", Status: model.JobStatusCompleted, CreatedAt: submitted,
		}, nil)
		m.reports.EXPECT().GetReport(gomock.Any(), "job-1").Return(report, nil)

		view, err := svc.GetStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, report, view.Report)
	})

	t.Run("failed job exposes error and kind", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		msg := "tool market_data unavailable"
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{
			ID: "job-1", Status: model.JobStatusFailed, RetryCount: 1,
			LastError: &msg, ErrorKind: model.ErrorKindToolUnavailable,
		}, nil)

		view, err := svc.GetStatus(context.Background(), "job-1")
		require.NoError(t, err)
		assert.Equal(t, &msg, view.Error)
		assert.Equal(t, model.ErrorKindToolUnavailable, view.ErrorKind)
		assert.Equal(t, 1, view.RetryCount)
	})

	t.Run("unknown job", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "nope").Return(nil, model.ErrJobNotFound)
		_, err := svc.GetStatus(context.Background(), "nope")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("store failure", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(nil, errors.New("db down"))
		_, err := svc.GetStatus(context.Background(), "job-1")
		assert.Equal(t, apperrors.ErrCodeStore, apperrors.GetCode(err))
	})

	t.Run("empty id", func(t *testing.T) {
		svc, _, _ := newMockedJobService(t, nil)
		_, err := svc.GetStatus(context.Background(), "")
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestJobService_Withdraw(t *testing.T) {
	tests := []struct {
		name    string
		repoErr error
		check   func(error) bool
	}{
		{name: "success", check: func(err error) bool { return err == nil }},
		{name: "not found", repoErr: model.ErrJobNotFound, check: apperrors.IsNotFound},
		{name: "leased", repoErr: model.ErrJobNotWithdrawable, check: apperrors.IsConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, m, _ := newMockedJobService(t, nil)
			m.queue.EXPECT().Withdraw(gomock.Any(), "job-1").Return(tt.repoErr)
			assert.True(t, tt.check(svc.Withdraw(context.Background(), "job-1")))
		})
	}
}

func TestJobService_Cancel(t *testing.T) {
	t.Run("pending job is failed with canceled kind", func(t *testing.T) {
		svc, m, rec := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", Status: model.JobStatusPending}, nil)
		m.store.EXPECT().UpdateStatus(gomock.Any(), "job-1", gomock.Any()).DoAndReturn(
			func(_ context.Context, _ string, p core.UpdateStatusParams) error {
				assert.Equal(t, model.JobStatusPending, p.From)
				assert.Equal(t, model.JobStatusFailed, p.To)
				assert.Equal(t, model.ErrorKindCanceled, p.ErrorKind)
				return nil
			})

		require.NoError(t, svc.Cancel(context.Background(), "job-1"))
		assert.Equal(t, int64(1), rec.CountTotal("job.transition", map[string]string{"transition": "cancel"}))
	})

	t.Run("running job is a conflict", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", Status: model.JobStatusRunning}, nil)
		assert.True(t, apperrors.IsConflict(svc.Cancel(context.Background(), "job-1")))
	})

	t.Run("leased between read and update", func(t *testing.T) {
		svc, m, _ := newMockedJobService(t, nil)
		m.store.EXPECT().GetJob(gomock.Any(), "job-1").Return(&model.Job{ID: "job-1", Status: model.JobStatusPending}, nil)
		m.store.EXPECT().UpdateStatus(gomock.Any(), "job-1", gomock.Any()).Return(model.ErrInvalidTransition)
		assert.True(t, apperrors.IsConflict(svc.Cancel(context.Background(), "job-1")))
	})
}

func TestJobService_CancelledJobIsNeverLeased(t *testing.T) {
	store := memstore.New(memstore.Options{})
	svc := MustNewJobService(JobServiceOptions{Queue: store, Store: store, Reports: store})
	ctx := context.Background()

	id, err := svc.Submit(ctx, "SOL", "c", SubmitOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, id))

	_, err = store.Lease(ctx, "worker-1", time.Minute)
	require.ErrorIs(t, err, model.ErrNoJobsAvailable)

	view, err := svc.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, view.Status)
	assert.Equal(t, model.ErrorKindCanceled, view.ErrorKind)
}

func TestJobService_Trace(t *testing.T) {
	store := memstore.New(memstore.Options{})
	logs := memstore.NewLogStore(0)
	ctx := context.Background()

	t.Run("newest entries of the job", func(t *testing.T) {
		svc := MustNewJobService(JobServiceOptions{Queue: store, Store: store, Reports: store, Logs: logs})
		id, err := svc.Submit(ctx, "BTC", "c", SubmitOptions{})
		require.NoError(t, err)
		for i := range MaxTraceEntries + 5 {
			require.NoError(t, logs.Append(ctx, &model.ExecutionLogEntry{JobID: id, Tool: "get_market_price", Attempt: i}))
		}

		entries, err := svc.Trace(ctx, id)
		require.NoError(t, err)
		require.Len(t, entries, MaxTraceEntries)
		assert.Equal(t, 5, entries[0].Attempt)
		assert.Equal(t, MaxTraceEntries+4, entries[len(entries)-1].Attempt)
	})

	t.Run("no execution log configured", func(t *testing.T) {
		svc := MustNewJobService(JobServiceOptions{Queue: store, Store: store, Reports: store})
		id, err := svc.Submit(ctx, "ETH", "c", SubmitOptions{})
		require.NoError(t, err)

		entries, err := svc.Trace(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("unknown job", func(t *testing.T) {
		svc := MustNewJobService(JobServiceOptions{Queue: store, Store: store, Reports: store, Logs: logs})
		_, err := svc.Trace(ctx, "missing")
		assert.True(t, apperrors.IsNotFound(err))
	})
}
