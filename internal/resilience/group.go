package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/avatalk/internal/observe"
)

// ErrAllFailed is returned when no provider of a [Group] produced a result.
// It wraps the error of every provider that was tried.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [Group].
type FallbackConfig struct {
	// Breaker is the template for the breaker created per provider. Its
	// Name is replaced by the provider name.
	Breaker BreakerConfig

	// Metrics receives breaker transitions and failovers. Default:
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds a primary provider and its fallbacks in failover order. It is
// safe for concurrent use, including adding fallbacks while calls run.
type Group[T any] struct {
	kind    string
	cfg     FallbackConfig
	metrics *observe.Metrics

	mu      sync.RWMutex
	members []member[T]
}

// NewGroup returns a group of the given kind ("llm", "tts") with primary as
// its first member.
func NewGroup[T any](kind, primaryName string, primary T, cfg FallbackConfig) *Group[T] {
	g := &Group[T]{kind: kind, cfg: cfg, metrics: cfg.Metrics}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback. Fallbacks are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	bc := g.cfg.Breaker
	bc.Name = name
	user := bc.OnStateChange
	bc.OnStateChange = func(name string, from, to State) {
		g.metrics.RecordBreakerTransition(context.Background(), g.kind, name, to.String())
		if user != nil {
			user(name, from, to)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewBreaker(bc)})
}

func (g *Group[T]) snapshot() []member[T] {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.members
}

// Call runs fn against the members of g in order and returns the first
// success. Members with an open breaker are skipped. When ctx ends the
// search stops with the error of the interrupted call. Call is a function
// because methods cannot declare type parameters.
func Call[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	log := observe.Logger(ctx)
	for i, m := range g.snapshot() {
		var out R
		err := m.breaker.Do(func() error {
			var err error
			out, err = fn(ctx, m.value)
			return err
		})
		if err == nil {
			if i > 0 {
				log.Info("resilience: served by fallback", "kind", g.kind, "provider", m.name)
				g.metrics.RecordFailover(ctx, g.kind, m.name)
			}
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if errors.Is(err, ErrOpen) {
			log.Debug("resilience: skipping provider", "kind", g.kind, "provider", m.name)
		} else {
			log.Warn("resilience: provider failed", "kind", g.kind, "provider", m.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// ProviderStatus is the breaker state of one member of a [Group].
type ProviderStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Status reports every member in failover order.
func (g *Group[T]) Status() []ProviderStatus {
	members := g.snapshot()
	out := make([]ProviderStatus, 0, len(members))
	for _, m := range members {
		out = append(out, ProviderStatus{Name: m.name, State: m.breaker.State().String()})
	}
	return out
}

// Healthy reports whether any member would accept a call.
func (g *Group[T]) Healthy() bool {
	for _, m := range g.snapshot() {
		if m.breaker.State() != Open {
			return true
		}
	}
	return false
}

// Reset closes every breaker of the group.
func (g *Group[T]) Reset() {
	for _, m := range g.snapshot() {
		m.breaker.Reset()
	}
}
