// Package resilience keeps the relay from dialing upstreams that keep failing
// their handshakes.
//
// [CircuitBreaker] guards one upstream. After enough consecutive failed
// connects it opens and refuses further connects until a cool-down passes,
// then lets a few trial connects through before trusting the upstream again.
// [FallbackGroup] gives each of several instances its own breaker and uses
// the first healthy one; [LinkFailover] applies that to upstream dialers.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// refuses calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the mode a [CircuitBreaker] is in.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen refuses calls with [ErrCircuitOpen] until ResetTimeout has
	// passed since the last failure.
	StateOpen
	// StateHalfOpen admits up to HalfOpenMax trial calls. One failure reopens
	// the breaker; HalfOpenMax successes close it.
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half-open",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults noted on each.
type CircuitBreakerConfig struct {
	// Name identifies the guarded upstream in logs.
	Name string

	// MaxFailures is how many consecutive failures open the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long an open breaker waits before trial calls.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is both the number of trial calls admitted while half-open
	// and the number of successes needed to close. Default 3.
	HalfOpenMax int

	// IsFailure reports whether an error counts against the upstream. Errors
	// it rejects are returned to the caller and count as a success.
	// Default [DefaultIsFailure].
	IsFailure func(error) bool
}

// DefaultIsFailure counts every error except context cancellation. A client
// that hangs up mid-handshake says nothing about the health of the upstream.
func DefaultIsFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// CircuitBreaker guards calls to one upstream.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive, while closed
	openedAt time.Time // last failure that (re)opened the breaker
	trials   int       // admitted while half-open
	passed   int       // trials that succeeded
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultIsFailure
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Execute runs fn unless the breaker refuses it, and accounts for the
// outcome. fn's error is returned as is.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	trial, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(trial, cb.cfg.IsFailure(err))
	return err
}

// admit decides whether a call may proceed and whether it is a trial call.
func (cb *CircuitBreaker) admit() (trial bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.coolingDown() {
			return false, ErrCircuitOpen
		}
		cb.trials, cb.passed = 0, 0
		cb.transition(StateHalfOpen, "cool-down elapsed, admitting trial connects")
	}
	if cb.state == StateHalfOpen {
		if cb.trials >= cb.cfg.HalfOpenMax {
			return false, ErrCircuitOpen
		}
		cb.trials++
		return true, nil
	}
	return false, nil
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(trial, failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case failed && trial:
		// A stale trial can finish after another already reopened the breaker.
		cb.openedAt = cb.now()
		if cb.state == StateHalfOpen {
			cb.transition(StateOpen, "trial connect failed")
		}
	case failed:
		cb.failures++
		cb.openedAt = cb.now()
		if cb.state == StateClosed && cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen, "consecutive connect failures", "failures", cb.failures)
		}
	case trial:
		cb.passed++
		if cb.state == StateHalfOpen && cb.passed >= cb.cfg.HalfOpenMax {
			cb.failures = 0
			cb.transition(StateClosed, "trial connects succeeded")
		}
	default:
		cb.failures = 0
	}
}

// coolingDown reports whether an open breaker must still refuse calls.
// cb.mu must be held.
func (cb *CircuitBreaker) coolingDown() bool {
	return cb.now().Sub(cb.openedAt) < cb.cfg.ResetTimeout
}

// transition moves to state to and logs why. cb.mu must be held.
func (cb *CircuitBreaker) transition(to State, why string, attrs ...any) {
	from := cb.state
	cb.state = to
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	args := append([]any{"upstream", cb.cfg.Name, "from", from.String(), "to", to.String()}, attrs...)
	slog.Log(context.Background(), level, "circuit breaker "+why, args...)
}

// State returns the breaker's state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen]; it moves there on the next call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && !cb.coolingDown() {
		return StateHalfOpen
	}
	return cb.state
}
