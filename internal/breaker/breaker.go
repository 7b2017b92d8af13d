// Package breaker implements per-dependency circuit breakers.
//
// A breaker opens after FailureThreshold consecutive failures and rejects calls
// with ErrOpen until its cooldown has elapsed. The next call then runs as the
// single half-open trial: success closes the breaker, failure reopens it with
// the cooldown multiplied by BackoffMultiplier up to MaxCooldown.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/researchq/internal/clock"
)

// ErrOpen is returned without calling the dependency while a breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the position of a breaker in its state machine.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds. Zero values take the defaults below.
type Config struct {
	// FailureThreshold is F, the consecutive failures that open the breaker.
	FailureThreshold int
	// Cooldown is T, the time spent open before a trial call is let through.
	Cooldown time.Duration
	// MaxCooldown caps the backed-off cooldown.
	MaxCooldown time.Duration
	// BackoffMultiplier grows the cooldown after each failed trial; 1 disables backoff.
	BackoffMultiplier float64
	Clock             clock.Clock
	// OnStateChange is called outside the breaker lock after every transition.
	OnStateChange func(name string, from, to State)
}

const (
	DefaultFailureThreshold  = 5
	DefaultCooldown          = 30 * time.Second
	DefaultMaxCooldown       = 5 * time.Minute
	DefaultBackoffMultiplier = 2.0
)

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(DefaultMaxCooldown, c.Cooldown)
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	c.Clock = clock.Or(c.Clock)
	return c
}

// Stats is a snapshot of one breaker.
type Stats struct {
	Name                string        `json:"name"`
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitzero"`
	Cooldown            time.Duration `json:"cooldown"`
}

// Breaker guards a single dependency.
type Breaker struct {
	name string
	cfg  Config

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	cooldown time.Duration
	trial    bool
	// gen advances on every transition.
	gen uint64
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{name: name, cfg: cfg, cooldown: cfg.Cooldown}
}

// Name returns the dependency identity.
func (b *Breaker) Name() string { return b.name }

// Permit is handed out by Allow and ties an outcome to the state it was
// admitted in. Outcomes of permits from an earlier generation are ignored.
type Permit struct {
	gen   uint64
	trial bool
}

// Execute runs fn if the breaker admits the call and records its outcome.
// Errors caused by cancellation of ctx are not counted as failures.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.Release(p)
		return err
	}
	b.Record(p, err)
	return err
}

// Allow reports whether a call may proceed. A nil error obliges the caller to
// follow up with Record or Release on the returned Permit.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	var from State
	changed := false
	switch b.state {
	case StateClosed:
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return Permit{}, ErrOpen
		}
		from, changed = b.setStateLocked(StateHalfOpen)
		b.trial = true
	case StateHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return Permit{}, ErrOpen
		}
		b.trial = true
	}
	p := Permit{gen: b.gen, trial: b.state == StateHalfOpen}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return p, nil
}

// Record registers the outcome of an admitted call. Only the trial permit
// decides a half-open breaker; calls admitted before the last transition
// are ignored.
func (b *Breaker) Record(p Permit, err error) {
	b.mu.Lock()
	if p.gen != b.gen {
		b.mu.Unlock()
		return
	}
	from := b.state
	var to State
	changed := false

	if err == nil {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.trial = false
			b.cooldown = b.cfg.Cooldown
			_, changed = b.setStateLocked(StateClosed)
			to = StateClosed
		}
	} else {
		b.failures++
		switch {
		case b.state == StateHalfOpen:
			b.trial = false
			b.cooldown = min(time.Duration(float64(b.cooldown)*b.cfg.BackoffMultiplier), b.cfg.MaxCooldown)
			b.openedAt = b.cfg.Clock.Now()
			_, changed = b.setStateLocked(StateOpen)
			to = StateOpen
		case b.state == StateClosed && b.failures >= b.cfg.FailureThreshold:
			b.openedAt = b.cfg.Clock.Now()
			_, changed = b.setStateLocked(StateOpen)
			to = StateOpen
		}
	}
	b.mu.Unlock()

	if changed {
		b.notify(from, to)
	}
}

// Release gives back an admitted call without recording an outcome.
func (b *Breaker) Release(p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.trial && p.gen == b.gen && b.state == StateHalfOpen {
		b.trial = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:                b.name,
		State:               b.state,
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		Cooldown:            b.cooldown,
	}
}

func (b *Breaker) setStateLocked(to State) (State, bool) {
	from := b.state
	if from == to {
		return from, false
	}
	b.state = to
	b.gen++
	return from, true
}

func (b *Breaker) notify(from, to State) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
