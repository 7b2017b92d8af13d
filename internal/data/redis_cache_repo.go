package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/researchq/internal/core"
)

var (
	errEmptyKey    = errors.New("cache key is empty")
	errNegativeTTL = errors.New("cache ttl is negative")
)

// RedisCacheRepo is the shared report cache tier. Every key is stored as a
// plain Redis string under KeyPrefix.
type RedisCacheRepo struct {
	client redis.UniversalClient
	prefix string
}

// RedisCacheRepoOptions configures NewRedisCacheRepo.
type RedisCacheRepoOptions struct {
	Client    redis.UniversalClient
	KeyPrefix string // e.g. "researchq:report:"
}

func NewRedisCacheRepo(opts RedisCacheRepoOptions) *RedisCacheRepo {
	return &RedisCacheRepo{client: opts.Client, prefix: opts.KeyPrefix}
}

func (r *RedisCacheRepo) key(k string) (string, error) {
	if k == "" {
		return "", errEmptyKey
	}
	return r.prefix + k, nil
}

// Set writes value. A zero ttl keeps the key until it is deleted.
func (r *RedisCacheRepo) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	full, err := r.key(key)
	if err != nil {
		return err
	}
	if ttl < 0 {
		return errNegativeTTL
	}
	if err := r.client.Set(ctx, full, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Get returns nil, nil for a missing key.
func (r *RedisCacheRepo) Get(ctx context.Context, key string) ([]byte, error) {
	full, err := r.key(key)
	if err != nil {
		return nil, err
	}
	value, err := r.client.Get(ctx, full).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, nil
}

// Delete reports whether the key existed. Memory is reclaimed by UNLINK in
// the background.
func (r *RedisCacheRepo) Delete(ctx context.Context, key string) (bool, error) {
	full, err := r.key(key)
	if err != nil {
		return false, err
	}
	removed, err := r.client.Unlink(ctx, full).Result()
	if err != nil {
		return false, fmt.Errorf("cache delete %s: %w", key, err)
	}
	return removed == 1, nil
}

func (r *RedisCacheRepo) Health(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cache ping: %w", err)
	}
	return nil
}

var _ core.CacheRepository = (*RedisCacheRepo)(nil)
