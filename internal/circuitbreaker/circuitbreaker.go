// Package circuitbreaker short-circuits dispatches to a node whose upstream
// keeps failing.
//
// Three states:
//   - Closed: requests pass through; consecutive failures are counted.
//   - Open: requests fail fast without reaching the rate limiter or upstream.
//   - HalfOpen: after the cooldown a single probe is let through; its outcome
//     closes or re-opens the circuit.
package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"nodegate/internal/config"
)

// DefaultCooldown applies when the config sets a threshold but no cooldown.
const DefaultCooldown = 30 * time.Second

// State represents the current circuit breaker state.
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

// ErrCircuitOpen is returned while the circuit rejects dispatches.
type ErrCircuitOpen struct {
	Name    string
	LastErr string
	Since   time.Duration // since the last recorded failure
	RetryIn time.Duration // until the next probe is admitted
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit open for node %s: last failure %q %s ago, next probe in %s",
		e.Name, e.LastErr, e.Since.Truncate(time.Second), e.RetryIn.Truncate(time.Millisecond))
}

// Stats is a point-in-time view for the metrics endpoints.
type Stats struct {
	State            string `json:"state"`
	ConsecutiveFails int    `json:"consecutive_failures"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	Rejected         int64  `json:"rejected"`
	LastFailureTime  string `json:"last_failure_time,omitempty"`
	LastFailureError string `json:"last_failure_error,omitempty"`
}

// Breaker is a thread-safe circuit breaker for one node.
type Breaker struct {
	mu sync.Mutex

	name      string
	threshold int
	cooldown  time.Duration

	state            State
	probing          bool
	consecutiveFails int
	totalFailures    int64
	totalSuccesses   int64
	rejected         int64
	lastFailureTime  time.Time
	lastFailureErr   string
	openedAt         time.Time

	nowFunc func() time.Time
}

// New creates a breaker for the named node. A nil config or a zero
// failure_threshold yields a breaker that always allows.
func New(name string, cfg *config.CircuitBreakerConfig) *Breaker {
	b := &Breaker{
		name:     name,
		cooldown: DefaultCooldown,
		state:    Closed,
		nowFunc:  time.Now,
	}
	if cfg != nil {
		b.threshold = cfg.FailureThreshold
		if cfg.Cooldown > 0 {
			b.cooldown = config.Seconds(cfg.Cooldown)
		}
	}
	return b
}

// Enabled reports whether the breaker can ever trip.
func (b *Breaker) Enabled() bool { return b.threshold > 0 }

// Allow admits a dispatch or returns *ErrCircuitOpen. A nil return in
// HalfOpen makes the caller the probe; it must report back through
// RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.threshold <= 0 {
		return nil
	}
	now := b.nowFunc()

	switch b.state {
	case Open:
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.cooldown {
			return b.reject(now, b.cooldown-elapsed)
		}
		b.state = HalfOpen
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return b.reject(now, 0)
		}
		b.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) reject(now time.Time, retryIn time.Duration) error {
	b.rejected++
	return &ErrCircuitOpen{
		Name:    b.name,
		LastErr: b.lastFailureErr,
		Since:   now.Sub(b.lastFailureTime),
		RetryIn: retryIn,
	}
}

// RecordSuccess closes the circuit and resets the failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	b.totalSuccesses++
	b.state = Closed
	b.probing = false
}

// RecordFailure counts an upstream failure and trips the circuit once the
// streak reaches the threshold. A failed probe re-opens it immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.consecutiveFails++
	b.totalFailures++
	b.lastFailureTime = now
	b.lastFailureErr = "unknown error"
	if err != nil {
		b.lastFailureErr = err.Error()
	}
	if b.threshold <= 0 {
		return
	}
	if b.state == HalfOpen || b.consecutiveFails >= b.threshold {
		b.state = Open
		b.openedAt = now
	}
	b.probing = false
}

// Release gives up an admitted probe without an outcome, for example when
// the rate limiter rejected it. The next Allow becomes the probe.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		Rejected:         b.rejected,
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailureTime = b.lastFailureTime.Format(time.RFC3339)
		s.LastFailureError = b.lastFailureErr
	}
	return s
}
