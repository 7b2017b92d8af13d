// Package ratelimit provides per-client token-bucket admission control.
package ratelimit

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/target/researchq/internal/clock"
	"golang.org/x/time/rate"
)

const (
	shardCount = 32
	// minSweepAt is the shard size that first triggers a sweep of full buckets.
	minSweepAt = 256
)

// ErrInvalidConfig is returned when capacity or refill rate is not positive.
var ErrInvalidConfig = errors.New("rate limit capacity and refill rate must be greater than zero")

// Config describes every client bucket.
type Config struct {
	// Capacity is the bucket size C and the largest admissible cost.
	Capacity int
	// RefillPerSecond is the token refill rate R.
	RefillPerSecond float64
	Clock           clock.Clock
}

// Limiter holds one token bucket per client. Buckets are created full on first use.
type Limiter struct {
	limit  rate.Limit
	burst  int
	clock  clock.Clock
	shards [shardCount]shard
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	sweepAt int
}

// New creates a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerSecond <= 0 {
		return nil, ErrInvalidConfig
	}
	l := &Limiter{
		limit: rate.Limit(cfg.RefillPerSecond),
		burst: cfg.Capacity,
		clock: clock.Or(cfg.Clock),
	}
	for i := range l.shards {
		l.shards[i].buckets = make(map[string]*rate.Limiter)
		l.shards[i].sweepAt = minSweepAt
	}
	return l, nil
}

// TryAcquire takes cost tokens from clientID's bucket if available. It never blocks.
func (l *Limiter) TryAcquire(clientID string, cost int) bool {
	if cost <= 0 {
		return true
	}
	if cost > l.burst {
		return false
	}
	now := l.clock.Now()
	s := l.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.bucketLocked(s, clientID, now).AllowN(now, cost)
}

// Tokens reports the tokens currently available to clientID.
func (l *Limiter) Tokens(clientID string) float64 {
	now := l.clock.Now()
	s := l.shard(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[clientID]; ok {
		return b.TokensAt(now)
	}
	return float64(l.burst)
}

// RetryAfter reports how long clientID must wait until cost tokens are
// available. It is zero when TryAcquire would admit now.
func (l *Limiter) RetryAfter(clientID string, cost int) time.Duration {
	now := l.clock.Now()
	s := l.shard(clientID)
	s.mu.Lock()
	b, ok := s.buckets[clientID]
	s.mu.Unlock()
	if !ok || cost <= 0 {
		return 0
	}
	deficit := float64(cost) - b.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / float64(l.limit) * float64(time.Second))
}

// Len returns the number of buckets currently held.
func (l *Limiter) Len() int {
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

// Sweep drops every bucket that has refilled to capacity and returns how many
// were dropped. A full bucket admits exactly what a new one would, so
// dropping it never changes a decision.
func (l *Limiter) Sweep() int {
	now := l.clock.Now()
	n := 0
	for i := range l.shards {
		s := &l.shards[i]
		s.mu.Lock()
		n += l.sweepLocked(s, now)
		s.mu.Unlock()
	}
	return n
}

func (l *Limiter) shard(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return &l.shards[h.Sum32()%shardCount]
}

// bucketLocked returns clientID's bucket, creating it full. A shard that has
// grown past sweepAt is swept first, and sweepAt doubles with the buckets
// that remain.
func (l *Limiter) bucketLocked(s *shard, clientID string, now time.Time) *rate.Limiter {
	if b, ok := s.buckets[clientID]; ok {
		return b
	}
	if len(s.buckets) >= s.sweepAt {
		l.sweepLocked(s, now)
		s.sweepAt = max(2*len(s.buckets), minSweepAt)
	}
	b := rate.NewLimiter(l.limit, l.burst)
	s.buckets[clientID] = b
	return b
}

func (l *Limiter) sweepLocked(s *shard, now time.Time) int {
	n := 0
	full := float64(l.burst)
	for id, b := range s.buckets {
		if b.TokensAt(now) >= full {
			delete(s.buckets, id)
			n++
		}
	}
	return n
}
