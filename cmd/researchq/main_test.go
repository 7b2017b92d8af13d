package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/researchq/config"
)

func TestUsesRedis(t *testing.T) {
	cfg := &config.AppConfig{Services: "http"}
	assert.False(t, usesRedis(cfg))

	cfg.ExecLog.Enabled = true
	assert.False(t, usesRedis(cfg), "exec log only matters to workers")

	cfg.Services = "worker"
	assert.True(t, usesRedis(cfg))

	assert.True(t, usesRedis(&config.AppConfig{Cache: config.CacheConfig{RedisEnabled: true}}))
}

func TestConnect_MemoryStoreNeedsNothing(t *testing.T) {
	cfg := &config.AppConfig{Services: "http,worker", Store: config.StoreConfig{Driver: config.StoreDriverMemory}}
	infra, err := connect(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	assert.Nil(t, infra.db)
	assert.Nil(t, infra.redis)
	assert.NoError(t, infra.migrate(context.Background(), cfg, slog.New(slog.DiscardHandler)))
	assert.NoError(t, infra.closeAll())
}

func TestWithGrace_LogsFailure(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	var buf bytes.Buffer
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	withGrace(ctx, "flush", func(ctx context.Context) error {
		return ctx.Err()
	})
	assert.Empty(t, buf.String(), "grace context survives the parent's cancellation")

	withGrace(ctx, "flush", func(context.Context) error { return assert.AnError })
	assert.Contains(t, buf.String(), "flush failed")
}
