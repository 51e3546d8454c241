// Package ratelimit provides per-node rate limiting using a token bucket
// for per-second burst control and a cost-weighted sliding window for the
// per-minute ceiling.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"nodegate/internal/config"
)

// Tiers reported in ErrRateLimited.
const (
	TierBurst = "burst"
	TierRPS   = "rps"
	TierRPM   = "rpm"
)

const window = time.Minute

// Limiter enforces requests_per_second (token bucket capped at burst_size)
// and requests_per_minute (sliding 60s window). Either may be zero, meaning
// unlimited for that tier.
type Limiter struct {
	rps      float64
	burst    int
	rpm      int
	cost     int
	blocking bool

	mu sync.Mutex

	// Token bucket state (per-second)
	tokens    float64
	lastRefil time.Time

	// Sliding window state (per-minute), oldest first
	events []event

	// nowFunc and sleep allow tests to inject a fake clock.
	nowFunc func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type event struct {
	at   time.Time
	cost int
}

// New creates a limiter from a node's rate_limiting section.
func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 && cfg.RequestsPerSecond > 0 {
		burst = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond)))
	}
	cost := cfg.CostPerRequest
	if cost <= 0 {
		cost = 1
	}
	blocking := true
	if cfg.Blocking != nil {
		blocking = *cfg.Blocking
	}
	l := &Limiter{
		rps:      cfg.RequestsPerSecond,
		burst:    burst,
		rpm:      cfg.RequestsPerMinute,
		cost:     cost,
		blocking: blocking,
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
	l.tokens = float64(burst)
	l.lastRefil = l.nowFunc()
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ErrRateLimited is returned when a request is rejected by the rate limiter.
type ErrRateLimited struct {
	Tier       string        // "burst", "rps" or "rpm"
	Limit      int           // the configured limit
	Cost       int           // tokens the request asked for
	RetryAfter time.Duration // suggested wait time, 0 when waiting cannot help
}

func (e *ErrRateLimited) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("rate limited (%s: %d max, cost %d)", e.Tier, e.Limit, e.Cost)
	}
	return fmt.Sprintf("rate limited (%s: %d max, cost %d), retry after %s", e.Tier, e.Limit, e.Cost, e.RetryAfter.Round(time.Millisecond))
}

// DefaultCost is the node-wide cost_per_request.
func (l *Limiter) DefaultCost() int { return l.cost }

// Acquire takes cost tokens. cost <= 0 uses cost_per_request.
//
// In non-blocking mode a request that cannot be admitted right now fails
// with *ErrRateLimited and nothing is deducted. In blocking mode the limiter
// sleeps exactly until both tiers would admit the request, then tries once
// more. Returns the context error if ctx is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context, cost int) error {
	if cost <= 0 {
		cost = l.cost
	}
	// Fast path: no limits configured
	if l.rps <= 0 && l.rpm <= 0 {
		return nil
	}
	if err := l.checkCapacity(cost); err != nil {
		return err
	}

	wait, tier := l.tryAcquire(cost)
	if wait == 0 {
		return nil
	}
	if !l.blocking {
		return l.rejection(tier, cost, wait)
	}
	if err := l.sleep(ctx, wait); err != nil {
		return err
	}
	wait, tier = l.tryAcquire(cost)
	if wait == 0 {
		return nil
	}
	return l.rejection(tier, cost, wait)
}

// checkCapacity rejects costs that no amount of waiting can satisfy.
func (l *Limiter) checkCapacity(cost int) error {
	if l.rps > 0 && cost > l.burst {
		return &ErrRateLimited{Tier: TierBurst, Limit: l.burst, Cost: cost}
	}
	if l.rpm > 0 && cost > l.rpm {
		return &ErrRateLimited{Tier: TierRPM, Limit: l.rpm, Cost: cost}
	}
	return nil
}

func (l *Limiter) rejection(tier string, cost int, wait time.Duration) error {
	limit := l.rpm
	if tier == TierRPS {
		limit = l.burst
	}
	return &ErrRateLimited{Tier: tier, Limit: limit, Cost: cost, RetryAfter: wait}
}

// tryAcquire deducts cost from both tiers when both admit it and returns
// (0, ""). Otherwise it deducts nothing and returns the time until both
// would admit it, plus the tier that is binding.
func (l *Limiter) tryAcquire(cost int) (time.Duration, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()
	var wait time.Duration
	tier := ""

	if l.rps > 0 {
		l.refill(now)
		if l.tokens < float64(cost) {
			deficit := float64(cost) - l.tokens
			wait = time.Duration(deficit / l.rps * float64(time.Second))
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			tier = TierRPS
		}
	}

	if l.rpm > 0 {
		l.prune(now)
		if w := l.windowWait(now, cost); w > wait {
			wait = w
			tier = TierRPM
		}
	}

	if wait > 0 {
		return wait, tier
	}

	if l.rps > 0 {
		l.tokens -= float64(cost)
	}
	if l.rpm > 0 {
		l.events = append(l.events, event{at: now, cost: cost})
	}
	return 0, ""
}

func (l *Limiter) refill(now time.Time) {
	elapsed := now.Sub(l.lastRefil)
	if elapsed > 0 {
		l.tokens += elapsed.Seconds() * l.rps
		if l.tokens > float64(l.burst) {
			l.tokens = float64(l.burst)
		}
	}
	l.lastRefil = now
}

// prune drops window events older than 60s.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.events) && !l.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0], l.events[i:]...)
	}
}

// windowWait returns how long until the window has room for cost more.
func (l *Limiter) windowWait(now time.Time, cost int) time.Duration {
	used := 0
	for _, e := range l.events {
		used += e.cost
	}
	excess := used + cost - l.rpm
	if excess <= 0 {
		return 0
	}
	// Expire the oldest events until enough capacity is freed.
	for _, e := range l.events {
		excess -= e.cost
		if excess <= 0 {
			wait := e.at.Add(window).Sub(now)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			return wait
		}
	}
	return window
}

// Stats returns the current rate limiter state for observability.
type Stats struct {
	RPS          float64 `json:"rps"`
	Burst        int     `json:"burst"`
	RPM          int     `json:"rpm"`
	Blocking     bool    `json:"blocking"`
	TokensLeft   float64 `json:"tokens_left"`
	WindowUsed   int     `json:"window_used"`
	WindowRemain int     `json:"window_remaining"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFunc()

	// Refresh token count for accurate display
	tokens := l.tokens
	if l.rps > 0 {
		elapsed := now.Sub(l.lastRefil)
		tokens += elapsed.Seconds() * l.rps
		if tokens > float64(l.burst) {
			tokens = float64(l.burst)
		}
	}

	used := 0
	cutoff := now.Add(-window)
	for _, e := range l.events {
		if e.at.After(cutoff) {
			used += e.cost
		}
	}
	remaining := 0
	if l.rpm > 0 {
		remaining = l.rpm - used
		if remaining < 0 {
			remaining = 0
		}
	}

	return Stats{
		RPS:          l.rps,
		Burst:        l.burst,
		RPM:          l.rpm,
		Blocking:     l.blocking,
		TokensLeft:   tokens,
		WindowUsed:   used,
		WindowRemain: remaining,
	}
}
