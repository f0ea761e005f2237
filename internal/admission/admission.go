// Package admission implements per-tenant request throttling ahead of the job
// pipeline. Decisions are values, never errors: a denied request is a normal
// outcome the caller inspects.
package admission

import (
	"sync"
	"time"
)

// Deny reasons, in the priority order they are checked.
const (
	ReasonInterval = "interval too short"
	ReasonBurst    = "short-window cap reached"
	ReasonHourly   = "hourly cap reached"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Limits configures the per-tenant throttles.
type Limits struct {
	MinInterval time.Duration
	BurstLimit  int
	BurstWindow time.Duration
	HourlyLimit int
}

// Controller tracks per-tenant request timestamps and applies Limits.
// Tenants on the allow list bypass every check and are never recorded.
type Controller struct {
	mu        sync.Mutex
	limits    Limits
	tenants   map[string][]time.Time
	allowList map[string]struct{}
}

// New constructs a controller with defaults applied.
func New(limits Limits, allowList []string) *Controller {
	if limits.MinInterval <= 0 {
		limits.MinInterval = 5 * time.Second
	}
	if limits.BurstLimit <= 0 {
		limits.BurstLimit = 3
	}
	if limits.BurstWindow <= 0 {
		limits.BurstWindow = 5 * time.Minute
	}
	if limits.HourlyLimit <= 0 {
		limits.HourlyLimit = 10
	}
	c := &Controller{
		limits:    limits,
		tenants:   make(map[string][]time.Time),
		allowList: make(map[string]struct{}, len(allowList)),
	}
	for _, t := range allowList {
		c.allowList[t] = struct{}{}
	}
	return c
}

// SetLimits swaps the throttle settings at runtime. Zero fields keep their
// current value.
func (c *Controller) SetLimits(limits Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limits.MinInterval > 0 {
		c.limits.MinInterval = limits.MinInterval
	}
	if limits.BurstLimit > 0 {
		c.limits.BurstLimit = limits.BurstLimit
	}
	if limits.BurstWindow > 0 {
		c.limits.BurstWindow = limits.BurstWindow
	}
	if limits.HourlyLimit > 0 {
		c.limits.HourlyLimit = limits.HourlyLimit
	}
}

// Check applies the three throttles in priority order and records now on
// allow. Timestamps older than the hourly window are pruned on every call so
// per-tenant memory stays bounded.
func (c *Controller) Check(tenantKey string, now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.allowList[tenantKey]; ok {
		return Decision{Allowed: true}
	}

	window := c.prune(tenantKey, now)

	if n := len(window); n > 0 {
		last := window[n-1]
		if gap := now.Sub(last); gap < c.limits.MinInterval {
			return Decision{
				Reason:     ReasonInterval,
				RetryAfter: c.limits.MinInterval - gap,
			}
		}
	}

	burstCutoff := now.Add(-c.limits.BurstWindow)
	burstCount := 0
	for _, ts := range window {
		if !ts.Before(burstCutoff) {
			burstCount++
		}
	}
	if burstCount >= c.limits.BurstLimit {
		oldest := oldestSince(window, burstCutoff)
		return Decision{
			Reason:     ReasonBurst,
			RetryAfter: oldest.Add(c.limits.BurstWindow).Sub(now),
		}
	}

	if len(window) >= c.limits.HourlyLimit {
		return Decision{
			Reason:     ReasonHourly,
			RetryAfter: window[0].Add(time.Hour).Sub(now),
		}
	}

	c.tenants[tenantKey] = append(window, now)
	return Decision{Allowed: true}
}

// CheckNow is Check with the current wall clock.
func (c *Controller) CheckNow(tenantKey string) Decision {
	return c.Check(tenantKey, time.Now())
}

// Remaining reports how many requests the tenant has left in the burst and
// hourly windows.
func (c *Controller) Remaining(tenantKey string, now time.Time) (burst, hourly int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.allowList[tenantKey]; ok {
		return c.limits.BurstLimit, c.limits.HourlyLimit
	}

	window := c.prune(tenantKey, now)
	burstCutoff := now.Add(-c.limits.BurstWindow)
	burstCount := 0
	for _, ts := range window {
		if !ts.Before(burstCutoff) {
			burstCount++
		}
	}
	return c.limits.BurstLimit - burstCount, c.limits.HourlyLimit - len(window)
}

// Forget drops all admission state for a tenant. Called when the tenant's
// session is evicted.
func (c *Controller) Forget(tenantKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantKey)
}

// prune drops timestamps outside the hourly window and returns the remaining
// slice. Callers hold c.mu.
func (c *Controller) prune(tenantKey string, now time.Time) []time.Time {
	window := c.tenants[tenantKey]
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	window = window[i:]
	if len(window) == 0 {
		delete(c.tenants, tenantKey)
	} else {
		c.tenants[tenantKey] = window
	}
	return window
}

func oldestSince(window []time.Time, cutoff time.Time) time.Time {
	for _, ts := range window {
		if !ts.Before(cutoff) {
			return ts
		}
	}
	return cutoff
}
