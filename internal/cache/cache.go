// Package cache provides the asset report cache with single-flight loading.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/target/researchq/internal/clock"
	"github.com/target/researchq/internal/core"
	"github.com/target/researchq/internal/domain/model"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/singleflight"
)

// FollowerMode selects what a caller does when a load for the same asset is in flight.
type FollowerMode string

const (
	// ModeAwait makes followers wait for the leader's result.
	ModeAwait FollowerMode = "await"
	// ModeNonBlocking returns ErrInFlight to followers so they can run independently.
	ModeNonBlocking FollowerMode = "nonblocking"
)

// Valid reports whether m is a known mode.
func (m FollowerMode) Valid() bool {
	return m == ModeAwait || m == ModeNonBlocking
}

const (
	DefaultTTL          = 5 * time.Minute
	DefaultAwaitTimeout = 60 * time.Second
	remoteKeyPrefix     = "report:"
)

var (
	// ErrInFlight is returned to followers that should compute the report themselves.
	ErrInFlight = errors.New("report load already in flight")
	// ErrAwaitTimeout is returned when a follower stops waiting for the leader.
	ErrAwaitTimeout = fmt.Errorf("%w: timed out waiting for leader", ErrInFlight)
)

// Source tells where a Do result came from.
type Source string

const (
	SourceHit    Source = "hit"
	SourceLoaded Source = "loaded"
	SourceShared Source = "shared"
)

// Result is the outcome of Do.
type Result struct {
	Report *model.Report
	Source Source
}

// LoadFunc computes a report on a cache miss.
type LoadFunc func(ctx context.Context) (*model.Report, error)

// Options configures New.
type Options struct {
	TTL  time.Duration
	Mode FollowerMode
	// AwaitTimeout bounds how long an awaiting follower waits for the leader.
	AwaitTimeout time.Duration
	// Remote is an optional shared tier; nil keeps the cache process-local.
	Remote core.CacheRepository
	Clock  clock.Clock
	Logger *slog.Logger
}

type entry struct {
	report    *model.Report
	expiresAt time.Time
}

// remoteEntry is the msgpack envelope stored in the shared tier.
type remoteEntry struct {
	Report    *model.Report `msgpack:"report"`
	ExpiresAt time.Time     `msgpack:"expires_at"`
}

// ReportCache maps normalized asset symbols to reports with a TTL. Expired
// entries are removed lazily when read.
type ReportCache struct {
	ttl          time.Duration
	mode         FollowerMode
	awaitTimeout time.Duration
	remote       core.CacheRepository
	clock        clock.Clock
	logger       *slog.Logger

	mu      sync.Mutex
	entries map[string]entry

	group    singleflight.Group
	inflight map[string]struct{}
	waiting  atomic.Int64
}

// New creates a ReportCache.
func New(opts Options) *ReportCache {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	mode := opts.Mode
	if !mode.Valid() {
		mode = ModeAwait
	}
	await := opts.AwaitTimeout
	if await <= 0 {
		await = DefaultAwaitTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ReportCache{
		ttl:          ttl,
		mode:         mode,
		awaitTimeout: await,
		remote:       opts.Remote,
		clock:        clock.Or(opts.Clock),
		logger:       logger.With("component", "report_cache"),
		entries:      make(map[string]entry),
		inflight:     make(map[string]struct{}),
	}
}

// Mode returns the follower mode in effect.
func (c *ReportCache) Mode() FollowerMode { return c.mode }

// AwaitTimeout returns how long an awaiting follower waits for the leader.
func (c *ReportCache) AwaitTimeout() time.Duration { return c.awaitTimeout }

// Get returns an unexpired report for asset.
func (c *ReportCache) Get(ctx context.Context, asset string) (*model.Report, bool) {
	key := model.NormalizeAsset(asset)
	now := c.clock.Now()

	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return e.report.Clone(), true
	}

	return c.getRemote(ctx, key, now)
}

// Set stores report for asset for ttl; a non-positive ttl uses the default.
// Failures of the shared tier are logged and otherwise ignored.
func (c *ReportCache) Set(ctx context.Context, asset string, report *model.Report, ttl time.Duration) {
	if report == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := model.NormalizeAsset(asset)
	e := entry{report: report.Clone(), expiresAt: c.clock.Now().Add(ttl)}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()

	c.setRemote(ctx, key, e, ttl)
}

// Delete removes asset from both tiers.
func (c *ReportCache) Delete(ctx context.Context, asset string) {
	key := model.NormalizeAsset(asset)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.remote != nil {
		if _, err := c.remote.Delete(ctx, remoteKeyPrefix+key); err != nil {
			c.logger.WarnContext(ctx, "remote cache delete failed", "asset", key, "error", err)
		}
	}
}

// Len returns the number of locally held entries, expired ones included.
func (c *ReportCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Do returns the cached report for asset or loads it with fn, collapsing
// concurrent loads for the same asset. Do does not populate the cache; callers
// Set the report once it is durable.
//
// In ModeAwait followers share the leader's result, waiting at most the await
// timeout. In ModeNonBlocking followers get ErrInFlight immediately.
func (c *ReportCache) Do(ctx context.Context, asset string, fn LoadFunc) (Result, error) {
	if r, ok := c.Get(ctx, asset); ok {
		return Result{Report: r, Source: SourceHit}, nil
	}
	key := model.NormalizeAsset(asset)

	if c.mode == ModeNonBlocking {
		return c.doNonBlocking(ctx, key, fn)
	}
	return c.doAwait(ctx, key, fn)
}

func (c *ReportCache) doNonBlocking(ctx context.Context, key string, fn LoadFunc) (Result, error) {
	c.mu.Lock()
	if _, busy := c.inflight[key]; busy {
		c.mu.Unlock()
		return Result{}, ErrInFlight
	}
	c.inflight[key] = struct{}{}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
	}()

	r, err := fn(ctx)
	if err != nil {
		return Result{}, err
	}
	return Result{Report: r, Source: SourceLoaded}, nil
}

func (c *ReportCache) doAwait(ctx context.Context, key string, fn LoadFunc) (Result, error) {
	var leader atomic.Bool
	c.waiting.Add(1)
	ch := c.group.DoChan(key, func() (any, error) {
		leader.Store(true)
		return fn(ctx)
	})

	timer := time.NewTimer(c.awaitTimeout)
	defer timer.Stop()
	defer c.waiting.Add(-1)

	timeout := timer.C
	for {
		select {
		case res := <-ch:
			return c.awaitResult(ctx, res, leader.Load())
		case <-timeout:
			if leader.Load() {
				timeout = nil
				continue
			}
			return Result{}, ErrAwaitTimeout
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (c *ReportCache) awaitResult(ctx context.Context, res singleflight.Result, leader bool) (Result, error) {
	if res.Err != nil {
		// A leader canceled by its own caller must not fail healthy followers.
		if !leader && isContextErr(res.Err) && ctx.Err() == nil {
			return Result{}, fmt.Errorf("%w: leader canceled", ErrInFlight)
		}
		return Result{}, res.Err
	}
	r, _ := res.Val.(*model.Report)
	if leader {
		return Result{Report: r, Source: SourceLoaded}, nil
	}
	return Result{Report: r.Clone(), Source: SourceShared}, nil
}

// Waiting returns the number of Do calls currently blocked in await mode.
func (c *ReportCache) Waiting() int64 {
	return c.waiting.Load()
}

func (c *ReportCache) getRemote(ctx context.Context, key string, now time.Time) (*model.Report, bool) {
	if c.remote == nil {
		return nil, false
	}
	raw, err := c.remote.Get(ctx, remoteKeyPrefix+key)
	if err != nil {
		c.logger.WarnContext(ctx, "remote cache get failed", "asset", key, "error", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}

	var re remoteEntry
	if err := msgpack.Unmarshal(raw, &re); err != nil || re.Report == nil {
		c.logger.WarnContext(ctx, "discarding undecodable remote cache entry", "asset", key, "error", err)
		return nil, false
	}
	if !now.Before(re.ExpiresAt) {
		return nil, false
	}

	c.mu.Lock()
	c.entries[key] = entry{report: re.Report, expiresAt: re.ExpiresAt}
	c.mu.Unlock()
	return re.Report.Clone(), true
}

func (c *ReportCache) setRemote(ctx context.Context, key string, e entry, ttl time.Duration) {
	if c.remote == nil {
		return
	}
	raw, err := msgpack.Marshal(remoteEntry{Report: e.report, ExpiresAt: e.expiresAt})
	if err != nil {
		c.logger.WarnContext(ctx, "encode remote cache entry failed", "asset", key, "error", err)
		return
	}
	if err := c.remote.Set(ctx, remoteKeyPrefix+key, raw, ttl); err != nil {
		c.logger.WarnContext(ctx, "remote cache set failed", "asset", key, "error", err)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
