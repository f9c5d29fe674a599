// Package resilience keeps the avatar talking when a hosted provider fails.
//
// A [Breaker] stops calling a provider after repeated failures and lets a
// few probe calls through once a cooldown has passed. A [Group] orders a
// primary provider and its fallbacks, each behind its own breaker, and
// [LLMFallback] and [TTSFallback] expose groups as ordinary providers.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned without calling the provider while its breaker is
// open or its probe budget is used up.
var ErrOpen = errors.New("resilience: circuit open")

// Breaker defaults.
const (
	DefaultMaxFailures = 5
	DefaultCooldown    = 30 * time.Second
	DefaultProbes      = 2
)

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota
	// Open rejects calls with [ErrOpen] until the cooldown has passed.
	Open
	// HalfOpen admits up to Probes concurrent calls. Probes successes in a
	// row close the breaker, one failure opens it again.
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
	}
	return "unknown"
}

// BreakerConfig tunes a [Breaker]. Zero fields take the package defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that opens a closed
	// breaker.
	MaxFailures int

	// Cooldown is how long an open breaker rejects calls.
	Cooldown time.Duration

	// Probes is the number of half-open calls admitted at once, and the
	// number of successes needed to close again.
	Probes int

	// IsFailure classifies errors. Errors it rejects are passed through
	// without touching the breaker. Default: everything except
	// context cancellation.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.Probes <= 0 {
		c.Probes = DefaultProbes
	}
	if c.IsFailure == nil {
		c.IsFailure = providerFault
	}
	return c
}

// providerFault reports whether err says something about the provider. A
// caller giving up is not the provider's fault.
func providerFault(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int // consecutive, while closed
	openedAt  time.Time
	inFlight  int // admitted probes not yet reported
	probeWins int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Do runs fn unless the breaker rejects the call, and accounts its result.
// The error of fn is returned unchanged.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}
	err = fn()
	b.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it is a probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.moveTo(HalfOpen)
	}
	switch b.state {
	case Open:
		err = ErrOpen
	case HalfOpen:
		if b.inFlight >= b.cfg.Probes {
			err = ErrOpen
		} else {
			b.inFlight++
			probe = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return probe, err
}

// settle records the outcome of an admitted call.
func (b *Breaker) settle(probe bool, err error) {
	b.mu.Lock()
	from := b.state
	if probe {
		b.inFlight--
	}
	// A probe admitted in an earlier half-open period no longer counts.
	current := !probe || b.state == HalfOpen
	switch {
	case !current:
	case err == nil && probe:
		b.probeWins++
		if b.probeWins >= b.cfg.Probes {
			b.moveTo(Closed)
		}
	case err == nil:
		b.failures = 0
	case !b.cfg.IsFailure(err):
	case probe:
		b.moveTo(Open)
	case b.state == Closed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.moveTo(Open)
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// moveTo switches state and clears the counters of the state left behind.
// b.mu must be held.
func (b *Breaker) moveTo(s State) {
	b.state = s
	b.failures = 0
	b.probeWins = 0
	if s == Open {
		b.openedAt = b.now()
	}
}

func (b *Breaker) notify(from, to State) {
	if from == to {
		return
	}
	level := slog.LevelInfo
	if to == Open {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "resilience: breaker state changed",
		"name", b.cfg.Name, "from", from, "to", to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns the current state. An open breaker whose cooldown has
// passed reports HalfOpen; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset closes the breaker and forgets all failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.moveTo(Closed)
	b.mu.Unlock()
	b.notify(from, Closed)
}
