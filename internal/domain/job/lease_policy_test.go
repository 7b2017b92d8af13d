package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLeasePolicy(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		policy, err := NewLeasePolicy(30*time.Second, 0)
		require.NoError(t, err)
		assert.Equal(t, 30*time.Second, policy.Default())
		assert.Equal(t, DefaultMaxLease, policy.Max())
	})

	t.Run("invalid default lease", func(t *testing.T) {
		policy, err := NewLeasePolicy(0, 0)
		require.ErrorIs(t, err, ErrInvalidDefaultLease)
		assert.Nil(t, policy)
	})

	t.Run("max shorter than default", func(t *testing.T) {
		policy, err := NewLeasePolicy(time.Minute, 30*time.Second)
		require.ErrorIs(t, err, ErrInvalidMaxLease)
		assert.Nil(t, policy)
	})

	t.Run("default longer than default max", func(t *testing.T) {
		policy, err := NewLeasePolicy(2*time.Hour, 0)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Hour, policy.Max())
	})
}

func TestLeasePolicy_Resolve(t *testing.T) {
	policy, err := NewLeasePolicy(60*time.Second, 10*time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		request time.Duration
		want    time.Duration
		source  LeaseSource
	}{
		{"explicit duration is kept", 45 * time.Second, 45 * time.Second, LeaseSourceExplicit},
		{"sub-second precision is kept", 1500 * time.Millisecond, 1500 * time.Millisecond, LeaseSourceExplicit},
		{"zero uses default", 0, 60 * time.Second, LeaseSourceDefault},
		{"below minimum clamps up", 500 * time.Millisecond, MinLease, LeaseSourceClamped},
		{"negative clamps up", -5 * time.Second, MinLease, LeaseSourceClamped},
		{"above maximum clamps down", time.Hour, 10 * time.Minute, LeaseSourceClamped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision := policy.Resolve(tt.request)
			assert.Equal(t, tt.want, decision.Duration)
			assert.Equal(t, tt.source, decision.Source)
			assert.Equal(t, tt.request, decision.Requested)
		})
	}

	assert.True(t, policy.Resolve(0).UsedDefault())
	assert.True(t, policy.Resolve(time.Hour).Clamped())
}

func TestLeasePolicy_NilResolvesToMinimum(t *testing.T) {
	var policy *LeasePolicy
	decision := policy.Resolve(time.Minute)
	assert.Equal(t, MinLease, decision.Duration)
	assert.Zero(t, policy.Default())
}

func TestHeartbeatInterval(t *testing.T) {
	assert.Equal(t, 20*time.Second, HeartbeatInterval(60*time.Second))
	assert.Equal(t, 100*time.Millisecond, HeartbeatInterval(150*time.Millisecond))
}
