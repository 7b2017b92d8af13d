package execlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/researchq/internal/data/memstore"
	"github.com/target/researchq/internal/domain/model"
	"github.com/target/researchq/internal/mocks"
	"github.com/target/researchq/internal/observability/statsd"
)

func entry(jobID, tool string) *model.ExecutionLogEntry {
	return &model.ExecutionLogEntry{JobID: jobID, Tool: tool, Timestamp: time.Now()}
}

func stored(store *memstore.LogStore, jobID string) []*model.ExecutionLogEntry {
	entries, _ := store.Read(context.Background(), jobID, 0)
	return entries
}

func startDispatcher(t *testing.T, d *Dispatcher) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestDispatcherDelivers(t *testing.T) {
	store := memstore.NewLogStore(0)
	rec := statsd.NewRecorder()
	d, err := New(Options{Store: store, Metrics: rec})
	require.NoError(t, err)
	stop := startDispatcher(t, d)

	for _, tool := range []string{"a", "b", "c"} {
		require.NoError(t, d.Append(context.Background(), entry("j1", tool)))
	}
	require.Eventually(t, func() bool { return len(stored(store, "j1")) == 3 }, time.Second, 5*time.Millisecond)
	stop()

	entries := stored(store, "j1")
	assert.Equal(t, "a", entries[0].Tool)
	assert.Equal(t, "c", entries[2].Tool)
	assert.Equal(t, Stats{Appended: 3}, d.Stats())
	assert.Equal(t, int64(3), rec.CountTotal("execlog.append", map[string]string{"result": "success"}))
}

func TestDispatcherDropsOldestWhenFull(t *testing.T) {
	store := memstore.NewLogStore(0)
	d, err := New(Options{Store: store, Buffer: 2})
	require.NoError(t, err)

	for _, tool := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Append(context.Background(), entry("j1", tool)))
	}
	assert.Equal(t, 2, d.Pending())
	assert.Equal(t, int64(2), d.Stats().Dropped)

	stop := startDispatcher(t, d)
	require.Eventually(t, func() bool { return len(stored(store, "j1")) == 2 }, time.Second, 5*time.Millisecond)
	stop()

	entries := stored(store, "j1")
	assert.Equal(t, "c", entries[0].Tool)
	assert.Equal(t, "d", entries[1].Tool)
}

func TestDispatcherNeverBlocksOnSlowStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockLogStore(ctrl)
	release := make(chan struct{})
	store.EXPECT().Append(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ *model.ExecutionLogEntry) error {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return ctx.Err()
		}).AnyTimes()

	d, err := New(Options{Store: store, Buffer: 4, AppendTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	stop := startDispatcher(t, d)
	defer stop()
	defer close(release)

	start := time.Now()
	for range 100 {
		require.NoError(t, d.Append(context.Background(), entry("j1", "t")))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.LessOrEqual(t, d.Pending(), 4)
}

func TestDispatcherCountsFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockLogStore(ctrl)
	store.EXPECT().Append(gomock.Any(), gomock.Any()).Return(errors.New("xadd failed")).Times(2)

	rec := statsd.NewRecorder()
	d, err := New(Options{Store: store, Metrics: rec})
	require.NoError(t, err)
	stop := startDispatcher(t, d)

	require.NoError(t, d.Append(context.Background(), entry("j1", "a")))
	require.NoError(t, d.Append(context.Background(), entry("j1", "b")))
	require.Eventually(t, func() bool { return d.Stats().Failed == 2 }, time.Second, 5*time.Millisecond)
	stop()

	assert.Equal(t, int64(2), rec.CountTotal("execlog.append", map[string]string{"result": "error"}))
}

func TestDispatcherFlushesOnShutdown(t *testing.T) {
	store := memstore.NewLogStore(0)
	d, err := New(Options{Store: store, Buffer: 16})
	require.NoError(t, err)
	for range 10 {
		require.NoError(t, d.Append(context.Background(), entry("j1", "t")))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Len(t, stored(store, "j1"), 10)
}

func TestDispatcherConcurrentAppend(t *testing.T) {
	store := memstore.NewLogStore(0)
	d, err := New(Options{Store: store, Buffer: 8})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = d.Append(context.Background(), entry("j1", "t"))
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, d.Pending(), 8)
	assert.Equal(t, int64(400), int64(d.Pending())+d.Stats().Dropped)
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	d, err := New(Options{Store: memstore.NewLogStore(0)})
	require.NoError(t, err)
	assert.Error(t, d.Append(context.Background(), nil))
}
