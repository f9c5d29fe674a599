package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

// fakeClock drives a breaker's cooldown without sleeping.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type transition struct{ from, to State }

// newTestBreaker returns a breaker on a fake clock that records its
// transitions.
func newTestBreaker(cfg BreakerConfig) (*Breaker, *fakeClock, *[]transition) {
	var (
		mu  sync.Mutex
		got []transition
	)
	cfg.OnStateChange = func(_ string, from, to State) {
		mu.Lock()
		got = append(got, transition{from, to})
		mu.Unlock()
	}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(cfg)
	b.now = clock.now
	return b, clock, &got
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _, got := newTestBreaker(BreakerConfig{MaxFailures: 3})

	for i := range 2 {
		if err := b.Do(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want provider error", i, err)
		}
	}
	if b.State() != Closed {
		t.Fatalf("state after 2 failures = %s, want closed", b.State())
	}
	_ = b.Do(fail)
	if b.State() != Open {
		t.Fatalf("state after 3 failures = %s, want open", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Errorf("open breaker: err = %v, called = %v", err, called)
	}
	if len(*got) != 1 || (*got)[0] != (transition{Closed, Open}) {
		t.Errorf("transitions = %v", *got)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _, _ := newTestBreaker(BreakerConfig{MaxFailures: 2})

	for range 5 {
		_ = b.Do(fail)
		_ = b.Do(succeed)
	}
	if b.State() != Closed {
		t.Errorf("alternating results opened the breaker")
	}
}

func TestBreaker_CancellationIsNotAFailure(t *testing.T) {
	b, _, _ := newTestBreaker(BreakerConfig{MaxFailures: 1})

	err := b.Do(func() error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != Closed {
		t.Errorf("cancellation opened the breaker")
	}
}

func TestBreaker_CustomFailureClassifier(t *testing.T) {
	errBadInput := errors.New("bad input")
	b, _, _ := newTestBreaker(BreakerConfig{
		MaxFailures: 1,
		IsFailure:   func(err error) bool { return !errors.Is(err, errBadInput) },
	})

	_ = b.Do(func() error { return errBadInput })
	if b.State() != Closed {
		t.Fatal("caller error opened the breaker")
	}
	_ = b.Do(fail)
	if b.State() != Open {
		t.Error("provider error did not open the breaker")
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	tests := []struct {
		name    string
		probes  []func() error
		want    State
		wantSeq []transition
	}{
		{
			name:    "probes succeed",
			probes:  []func() error{succeed, succeed},
			want:    Closed,
			wantSeq: []transition{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Closed}},
		},
		{
			name:    "probe fails",
			probes:  []func() error{succeed, fail},
			want:    Open,
			wantSeq: []transition{{Closed, Open}, {Open, HalfOpen}, {HalfOpen, Open}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, clock, got := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Probes: 2})
			_ = b.Do(fail)

			clock.advance(59 * time.Second)
			if b.State() != Open {
				t.Fatalf("state before cooldown = %s", b.State())
			}
			clock.advance(time.Second)
			if b.State() != HalfOpen {
				t.Fatalf("state after cooldown = %s, want half-open", b.State())
			}

			for _, p := range tt.probes {
				_ = b.Do(p)
			}
			if b.State() != tt.want {
				t.Errorf("state = %s, want %s", b.State(), tt.want)
			}
			if len(*got) != len(tt.wantSeq) {
				t.Fatalf("transitions = %v, want %v", *got, tt.wantSeq)
			}
			for i := range tt.wantSeq {
				if (*got)[i] != tt.wantSeq[i] {
					t.Errorf("transition %d = %v, want %v", i, (*got)[i], tt.wantSeq[i])
				}
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	b, clock, _ := newTestBreaker(BreakerConfig{MaxFailures: 1, Cooldown: time.Second, Probes: 2})
	_ = b.Do(fail)
	clock.advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Do(func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	if err := b.Do(succeed); !errors.Is(err, ErrOpen) {
		t.Errorf("third probe: err = %v, want ErrOpen", err)
	}
	close(release)
	wg.Wait()

	if b.State() != Closed {
		t.Errorf("state after two successful probes = %s, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b, _, got := newTestBreaker(BreakerConfig{MaxFailures: 1})
	_ = b.Do(fail)

	b.Reset()
	if b.State() != Closed {
		t.Fatalf("state after Reset = %s", b.State())
	}
	if err := b.Do(succeed); err != nil {
		t.Errorf("call after Reset: %v", err)
	}
	if last := (*got)[len(*got)-1]; last != (transition{Open, Closed}) {
		t.Errorf("last transition = %v", last)
	}
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "elevenlabs"})
	if b.cfg.MaxFailures != DefaultMaxFailures || b.cfg.Cooldown != DefaultCooldown || b.cfg.Probes != DefaultProbes {
		t.Errorf("defaults = %+v", b.cfg)
	}
	if b.Name() != "elevenlabs" {
		t.Errorf("Name = %q", b.Name())
	}
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{Closed: "closed", Open: "open", HalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("State(%d) = %q, want %q", s, s.String(), want)
		}
	}
}
