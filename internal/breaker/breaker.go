// Package breaker implements a three-state circuit breaker around the
// generation backend.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cadenza-audio/cadenza/internal/backend"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// backend. Callers can distinguish "backend is down" from a per-call failure.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Options configures breaker thresholds.
type Options struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// Breaker wraps a Generator and stops calling it after repeated retryable
// failures. State is process-wide: all tenants share one downstream API.
type Breaker struct {
	gen  backend.Generator
	opts Options

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenBusy    bool
}

// New constructs a breaker with defaults applied.
func New(gen backend.Generator, opts Options) *Breaker {
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = 60 * time.Second
	}
	return &Breaker{gen: gen, opts: opts, state: StateClosed}
}

// Generate calls the backend through the breaker. In the open state the call
// is rejected with ErrOpen until the recovery timeout elapses; then exactly
// one trial call is allowed through in half-open. Only retryable backend
// failures count toward the threshold.
func (b *Breaker) Generate(ctx context.Context, req backend.Request) (*backend.Audio, error) {
	if err := b.acquire(); err != nil {
		return nil, err
	}

	audio, err := b.gen.Generate(ctx, req)
	if err != nil {
		b.record(backend.IsRetryable(err))
		return nil, err
	}
	b.record(false)
	return audio, nil
}

// acquire decides whether a call may proceed and claims the half-open trial
// slot when transitioning out of open.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.opts.RecoveryTimeout {
			b.state = StateHalfOpen
			b.halfOpenBusy = true
			return nil
		}
		return ErrOpen
	default: // StateHalfOpen
		if b.halfOpenBusy {
			return ErrOpen
		}
		b.halfOpenBusy = true
		return nil
	}
}

// record updates breaker state after a call returns.
func (b *Breaker) record(failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.halfOpenBusy = false
		if failed {
			b.state = StateOpen
			b.lastFailureTime = time.Now()
			return
		}
		b.state = StateClosed
		b.failureCount = 0
		return
	}

	if !failed {
		b.failureCount = 0
		return
	}

	b.failureCount++
	b.lastFailureTime = time.Now()
	if b.failureCount >= b.opts.FailureThreshold {
		b.state = StateOpen
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the consecutive retryable-failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset forces the breaker back to closed with a zero failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.halfOpenBusy = false
}
