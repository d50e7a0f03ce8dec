// Package resilience guards calls to the embedding provider, the signal
// store and public routing APIs: a circuit breaker that fails fast while a
// backend is down, and a throttle for polite use of rate-limited services.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GLYSATVIK/VibeWalk/pkg/metrics"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow
	StateOpen                  // calls are rejected
	StateHalfOpen              // a limited number of probes are let through
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker. Zero values take the defaults.
type BreakerOpts struct {
	Name          string
	FailThreshold int           // consecutive failures that open the breaker (5)
	Timeout       time.Duration // time spent open before probing (30s)
	HalfOpenMax   int           // concurrent probes while half-open (1)
	// IsFailure decides whether an error counts against the breaker. Nil
	// counts every error except caller cancellation.
	IsFailure func(error) bool
	// OnStateChange runs after each transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker is a consecutive-failure circuit breaker.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = 1
	}
	if opts.IsFailure == nil {
		opts.IsFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state
}

// expire moves an open breaker to half-open once Timeout has passed and
// reports whether it did. Caller holds mu.
func (b *Breaker) expire() bool {
	if b.state != StateOpen || b.now().Sub(b.openedAt) < b.opts.Timeout {
		return false
	}
	b.state, b.probes = StateHalfOpen, 0
	return true
}

// admit decides whether a call may proceed.
func (b *Breaker) admit() (ok, expired bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	expired = b.expire()
	switch b.state {
	case StateOpen:
		return false, expired
	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenMax {
			return false, expired
		}
		b.probes++
	}
	return true, expired
}

// record folds the outcome of an admitted call into the state.
func (b *Breaker) record(err error) (from, to State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	from = b.state
	switch {
	case err == nil:
		b.failures = 0
		if b.state == StateHalfOpen {
			b.state = StateClosed
		}
	case b.opts.IsFailure(err):
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.state, b.openedAt, b.failures, b.probes = StateOpen, b.now(), 0, 0
		}
	default:
		// Errors that do not count release the probe without judging the backend.
		if b.state == StateHalfOpen && b.probes > 0 {
			b.probes--
		}
	}
	return from, b.state
}

// Call runs f unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	ok, expired := b.admit()
	if expired {
		b.notify(StateOpen, StateHalfOpen)
	}
	if !ok {
		return ErrCircuitOpen
	}
	err := f(ctx)
	if from, to := b.record(err); from != to {
		b.notify(from, to)
	}
	return err
}

// Do is Call for functions returning a value.
func Do[T any](b *Breaker, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Call(ctx, func(ctx context.Context) error {
		var err error
		out, err = f(ctx)
		return err
	})
	return out, err
}

func (b *Breaker) notify(from, to State) {
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}

// Observer returns an OnStateChange hook that logs each transition and
// keeps a vibewalk_breaker_state{breaker} gauge (0 closed, 1 open,
// 2 half-open). Either argument may be nil.
func Observer(log *slog.Logger, reg *metrics.Registry) func(name string, from, to State) {
	return func(name string, from, to State) {
		if log != nil {
			level := slog.LevelInfo
			if to == StateOpen {
				level = slog.LevelWarn
			}
			log.Log(context.Background(), level, "circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		}
		if reg != nil {
			reg.Gauge(metrics.WithLabels("vibewalk_breaker_state", "breaker", name),
				"Circuit breaker state (0 closed, 1 open, 2 half-open)").Set(float64(to))
		}
	}
}
