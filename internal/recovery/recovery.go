// Package recovery implements the error-recovery policy of spec §4.8: a
// per-device retry policy with exponential backoff, and a circuit breaker
// that fails fast after repeated transient failures.
//
// Backoff is grounded on the teacher's
// internal/pipeline/pipeline.go (scheduleRetry/backoffDelay/
// randomizedDelay): base delay doubled per attempt, capped at a max, with
// jitter drawn uniformly from [0, delay). The three-state circuit breaker
// (closed/open/half-open) is grounded on internal/ratelimit/domain_state.go's
// circuitBreaker, simplified from the teacher's hybrid
// error-rate-or-consecutive-failures trip condition down to spec §4.8's
// single condition: K consecutive failures within window W.
package recovery

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"rudaq/internal/daqerr"
)

// Policy is the retry policy attached to a device or capability call (spec
// §4.8 field names: max_retries, initial_backoff, backoff_multiplier,
// retryable_error_classes).
type Policy struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	// RetryableKinds restricts which daqerr.Kinds are retried. Empty means
	// "use daqerr.Retryable's taxonomy-level default" (device-transient
	// only); validation and invariant-violation errors are never retried
	// regardless of this list, matching §4.8 ("not applied to
	// validation/logic errors").
	RetryableKinds []daqerr.Kind
}

// DefaultPolicy returns spec §4.8's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func (p Policy) retryable(err error) bool {
	kind, ok := daqerr.KindOf(err)
	if !ok {
		return false
	}
	if kind == daqerr.KindValidation || kind == daqerr.KindInvariantViolation {
		return false
	}
	if len(p.RetryableKinds) == 0 {
		return daqerr.Retryable(err)
	}
	for _, k := range p.RetryableKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Backoff returns the delay before retry attempt n (1-indexed: the delay
// before the first retry is Backoff(1)), with uniform jitter in [0, delay).
func (p Policy) Backoff(attempt int, rng *rand.Rand) time.Duration {
	base := p.InitialBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 2.0
	}
	delay := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if rng == nil {
		return delay
	}
	if delay <= 0 {
		return 0
	}
	return time.Duration(rng.Float64() * float64(delay))
}

// Do runs op, retrying per policy until it succeeds, a non-retryable error
// is returned, retries are exhausted, or ctx is done. Op is always called at
// least once.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !policy.retryable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			return lastErr
		}
		delay := policy.Backoff(attempt+1, rng)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// ErrCircuitOpen is returned by Manager.Execute when a device's breaker is
// open and the cooldown has not yet elapsed.
var ErrCircuitOpen = daqerr.New(daqerr.KindDeviceTransient, "recovery", "circuit open, failing fast")

// CircuitBreaker fails fast for a device after threshold consecutive
// failures occur within window, then probes again after cooldown.
type CircuitBreaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu        sync.Mutex
	state     breakerState
	openedAt  time.Time
	failTimes []time.Time
}

// NewCircuitBreaker constructs a closed breaker with the given trip
// threshold, failure-counting window, and open-state cooldown.
func NewCircuitBreaker(threshold int, window, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{threshold: threshold, window: window, cooldown: cooldown}
}

// Allow reports whether a call should proceed. Transitions open -> half-open
// once cooldown has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		if time.Since(c.openedAt) >= c.cooldown {
			c.state = breakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordResult feeds the outcome of a call back into the breaker.
// Validation and invariant-violation errors do not count toward tripping;
// every other error does, including errors that carry no daqerr kind.
func (c *CircuitBreaker) RecordResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()

	if err == nil {
		c.state = breakerClosed
		c.failTimes = nil
		return
	}
	if kind, ok := daqerr.KindOf(err); ok && (kind == daqerr.KindValidation || kind == daqerr.KindInvariantViolation) {
		return
	}

	if c.state == breakerHalfOpen {
		c.open(now)
		return
	}

	c.failTimes = append(c.failTimes, now)
	cutoff := now.Add(-c.window)
	kept := c.failTimes[:0]
	for _, t := range c.failTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.failTimes = kept
	if len(c.failTimes) >= c.threshold {
		c.open(now)
	}
}

func (c *CircuitBreaker) open(now time.Time) {
	c.state = breakerOpen
	c.openedAt = now
	c.failTimes = nil
}

// State reports the breaker's current state, for diagnostics.
func (c *CircuitBreaker) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Manager owns one CircuitBreaker per device id and runs capability calls
// through retry-plus-breaker together: a device whose breaker is open fails
// fast without consuming a retry budget; otherwise Policy retries apply and
// every attempt's outcome feeds the breaker.
type Manager struct {
	policy    Policy
	threshold int
	window    time.Duration
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager constructs a Manager applying policy for retries and
// (threshold, window, cooldown) for each device's circuit breaker.
func NewManager(policy Policy, threshold int, window, cooldown time.Duration) *Manager {
	return &Manager{policy: policy, threshold: threshold, window: window, cooldown: cooldown, breakers: make(map[string]*CircuitBreaker)}
}

func (m *Manager) breakerFor(deviceID string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[deviceID]
	if !ok {
		b = NewCircuitBreaker(m.threshold, m.window, m.cooldown)
		m.breakers[deviceID] = b
	}
	return b
}

// Execute runs op against deviceID's breaker and retry policy together.
func (m *Manager) Execute(ctx context.Context, deviceID string, op func(ctx context.Context) error) error {
	breaker := m.breakerFor(deviceID)
	if !breaker.Allow() {
		return ErrCircuitOpen
	}
	err := Do(ctx, m.policy, func(ctx context.Context) error {
		attemptErr := op(ctx)
		breaker.RecordResult(attemptErr)
		return attemptErr
	})
	return err
}

// BreakerState reports deviceID's current breaker state, creating a closed
// breaker for it if none exists yet.
func (m *Manager) BreakerState(deviceID string) string {
	return m.breakerFor(deviceID).State()
}
