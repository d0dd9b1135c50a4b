package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = errors.New("circuit breaker open")

// State is a breaker's position.
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

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// Breaker opens after threshold consecutive failures, rejects calls for
// cooldown, then lets one probe through. A successful probe closes it.
type Breaker struct {
	name     string
	cb       *gobreaker.CircuitBreaker
	onChange func(name string, from, to State)
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithStateChange registers a callback run on every state change.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(b *Breaker) {
		b.onChange = fn
	}
}

// NewBreaker returns a closed breaker. A threshold below one disables it.
func NewBreaker(name string, threshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{name: name}
	for _, opt := range opts {
		opt(b)
	}
	if threshold < 1 {
		return b
	}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(threshold)
		},
		IsSuccessful: countsAsSuccess,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if b.onChange != nil {
				b.onChange(name, stateOf(from), stateOf(to))
			}
		},
	})
	return b
}

// countsAsSuccess keeps permanent errors and caller cancellation from
// tripping the breaker.
func countsAsSuccess(err error) bool {
	return err == nil || IsPermanent(err) || errors.Is(err, context.Canceled)
}

// Name returns the boundary the breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state, moving Open to HalfOpen once the cooldown passed.
func (b *Breaker) State() State {
	if b == nil || b.cb == nil {
		return Closed
	}
	return stateOf(b.cb.State())
}

// Call runs fn unless the breaker is open.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil || b.cb == nil {
		return fn(ctx)
	}
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return err
}

// Boundary pairs a retry policy with a breaker for one external boundary.
type Boundary struct {
	Policy  Policy
	Breaker *Breaker
}

// Do runs fn under the boundary's breaker with its retry policy.
func (bd Boundary) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return Do(ctx, bd.Policy, func(ctx context.Context) error {
		return bd.Breaker.Call(ctx, fn)
	})
}
