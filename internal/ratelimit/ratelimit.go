// Package ratelimit implements the process-wide outbound limiter protecting
// the generation backend. Counters are shared across all tenants and guarded
// by a single mutex: they defend one shared downstream dependency, so there
// is nothing to shard.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimitedError reports that no outbound slot is free. It carries the time
// until the oldest in-window call ages out.
type RateLimitedError struct {
	RetryAfter time.Duration
	Window     string // "minute" or "hour"
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("outbound %s cap reached, retry after %s", e.Window, e.RetryAfter.Round(time.Millisecond))
}

// Limits holds the global outbound caps.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Remaining reports free slots in each trailing window.
type Remaining struct {
	PerMinute int
	PerHour   int
}

// Limiter tracks outbound calls in trailing 60s and 3600s windows.
type Limiter struct {
	mu     sync.Mutex
	limits Limits
	minute []time.Time
	hour   []time.Time
}

// New constructs a limiter with defaults applied.
func New(limits Limits) *Limiter {
	if limits.PerMinute <= 0 {
		limits.PerMinute = 60
	}
	if limits.PerHour <= 0 {
		limits.PerHour = 1000
	}
	return &Limiter{limits: limits}
}

// SetLimits swaps the caps at runtime. Already-recorded timestamps are kept.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limits.PerMinute > 0 {
		l.limits.PerMinute = limits.PerMinute
	}
	if limits.PerHour > 0 {
		l.limits.PerHour = limits.PerHour
	}
}

// CheckSlot attempts to consume a slot without blocking. On success the slot
// is recorded atomically with the decision; otherwise a *RateLimitedError
// with a retry hint is returned and nothing is recorded.
func (l *Limiter) CheckSlot() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.prune(now)

	if len(l.minute) >= l.limits.PerMinute {
		return &RateLimitedError{
			Window:     "minute",
			RetryAfter: l.minute[0].Add(time.Minute).Sub(now),
		}
	}
	if len(l.hour) >= l.limits.PerHour {
		return &RateLimitedError{
			Window:     "hour",
			RetryAfter: l.hour[0].Add(time.Hour).Sub(now),
		}
	}

	l.minute = append(l.minute, now)
	l.hour = append(l.hour, now)
	return nil
}

// AwaitSlot suspends the caller until a slot is free or ctx is done. Only the
// waiting goroutine sleeps; other callers are unaffected.
func (l *Limiter) AwaitSlot(ctx context.Context) error {
	for {
		err := l.CheckSlot()
		if err == nil {
			return nil
		}
		rle, ok := err.(*RateLimitedError)
		if !ok {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Free reports remaining slots per window after pruning.
func (l *Limiter) Free() Remaining {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(time.Now())
	return Remaining{
		PerMinute: l.limits.PerMinute - len(l.minute),
		PerHour:   l.limits.PerHour - len(l.hour),
	}
}

// prune drops timestamps older than each window. Callers hold l.mu.
func (l *Limiter) prune(now time.Time) {
	minuteCutoff := now.Add(-time.Minute)
	i := 0
	for i < len(l.minute) && l.minute[i].Before(minuteCutoff) {
		i++
	}
	l.minute = l.minute[i:]

	hourCutoff := now.Add(-time.Hour)
	j := 0
	for j < len(l.hour) && l.hour[j].Before(hourCutoff) {
		j++
	}
	l.hour = l.hour[j:]
}
