package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/researchq/internal/clock"
)

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(Config{Capacity: 0, RefillPerSecond: 1})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = New(Config{Capacity: 1, RefillPerSecond: 0})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLimiter_CapacityThenRefill(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 3, RefillPerSecond: 2, Clock: clk})
	require.NoError(t, err)

	for i := range 3 {
		assert.True(t, l.TryAcquire("client-a", 1), "request %d should be admitted", i+1)
	}
	assert.False(t, l.TryAcquire("client-a", 1), "fourth request exceeds capacity")

	assert.Equal(t, 500*time.Millisecond, l.RetryAfter("client-a", 1))
	assert.Zero(t, l.RetryAfter("client-b", 1))

	// One token refills after 1/R.
	clk.Advance(500 * time.Millisecond)
	assert.Zero(t, l.RetryAfter("client-a", 1))
	assert.True(t, l.TryAcquire("client-a", 1))
	assert.False(t, l.TryAcquire("client-a", 1))
}

func TestLimiter_ClientsAreIndependent(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 1, RefillPerSecond: 1, Clock: clk})
	require.NoError(t, err)

	assert.True(t, l.TryAcquire("a", 1))
	assert.False(t, l.TryAcquire("a", 1))
	assert.True(t, l.TryAcquire("b", 1), "new clients start with a full bucket")
	assert.Equal(t, 2, l.Len())
	assert.InDelta(t, 0, l.Tokens("a"), 1e-9)
}

func TestLimiter_Cost(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 5, RefillPerSecond: 1, Clock: clk})
	require.NoError(t, err)

	assert.False(t, l.TryAcquire("a", 6), "cost above capacity never fits")
	assert.True(t, l.TryAcquire("a", 0))
	assert.True(t, l.TryAcquire("a", 4))
	assert.False(t, l.TryAcquire("a", 2))
	assert.True(t, l.TryAcquire("a", 1))
}

func TestLimiter_ConcurrentAdmissionNeverExceedsCapacity(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 10, RefillPerSecond: 1, Clock: clk})
	require.NoError(t, err)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.TryAcquire("shared", 1) {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), admitted.Load())
}

func TestLimiter_SweepDropsFullBuckets(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 2, RefillPerSecond: 1, Clock: clk})
	require.NoError(t, err)

	assert.True(t, l.TryAcquire("busy", 2))
	assert.True(t, l.TryAcquire("idle", 1))
	clk.Advance(time.Second)

	assert.Equal(t, 1, l.Sweep(), "only the refilled bucket is dropped")
	assert.Equal(t, 1, l.Len())
	assert.InDelta(t, 1, l.Tokens("busy"), 1e-9)
	assert.InDelta(t, 2, l.Tokens("idle"), 1e-9, "a dropped client starts full again")

	assert.True(t, l.TryAcquire("busy", 1))
	assert.False(t, l.TryAcquire("busy", 1), "sweeping must not refund a partly used bucket")
}

func TestLimiter_DistinctClientsStayBounded(t *testing.T) {
	clk := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{Capacity: 3, RefillPerSecond: 1, Clock: clk})
	require.NoError(t, err)

	const rounds, perRound = 20, 5000
	for r := range rounds {
		for i := range perRound {
			require.True(t, l.TryAcquire(fmt.Sprintf("client-%d-%d", r, i), 1))
		}
		clk.Advance(time.Second)
	}

	assert.Less(t, l.Len(), 15000, "idle buckets are reclaimed as new clients arrive")
	l.Sweep()
	assert.Zero(t, l.Len())
}
