// Package circuitbreaker stops calls to a failing dependency after a run of
// consecutive failures and lets a single probe through once a cooldown has
// passed.
//
// States:
//   - Closed: calls allowed
//   - Open: calls rejected until the cooldown elapses
//   - HalfOpen: one probe in flight; its outcome closes or reopens the breaker
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Consecutive failures before opening (default: 5)
	Cooldown  time.Duration // Time open before a probe is allowed (default: 30s)

	// OnStateChange, when set, is called after every transition with the
	// breaker's lock released.
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker guards a single resource.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
	cfg      Config
	now      func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{state: Closed, cfg: cfg, now: time.Now}
}

// Allow reports whether a call may proceed. In HalfOpen only the first
// caller is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false
	switch b.state {
	case Closed:
		allowed = true
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.state = HalfOpen
			b.probing = true
			allowed = true
		}
	case HalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure counts a failure, opening the breaker at the threshold or
// immediately when a half-open probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
		b.openedAt = b.now()
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// Do runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Do(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	if err := fn(); err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset returns the breaker to Closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
