package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nodegate/internal/config"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	slept  []time.Duration
	sleepE error
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(_ context.Context, d time.Duration) error {
	if c.sleepE != nil {
		return c.sleepE
	}
	c.mu.Lock()
	c.slept = append(c.slept, d)
	c.mu.Unlock()
	c.Advance(d)
	return nil
}

func newTestLimiter(cfg config.RateLimitConfig) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.nowFunc = clock.Now
	l.sleep = clock.Sleep
	l.lastRefil = clock.Now()
	return l, clock
}

func nonBlocking() *bool {
	v := false
	return &v
}

func TestUnlimitedAllows(t *testing.T) {
	l := New(config.RateLimitConfig{})
	for i := 0; i < 100; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("unlimited limiter should always allow, got: %v", err)
		}
	}
}

func TestBurstConservationNonBlocking(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 3, Blocking: nonBlocking()})

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("request %d should be allowed, got: %v", i+1, err)
		}
	}
	err := l.Acquire(context.Background(), 1)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("expected ErrRateLimited, got: %T %v", err, err)
	}
	if rl.Tier != TierRPS {
		t.Fatalf("expected tier rps, got %s", rl.Tier)
	}
	if rl.RetryAfter != time.Second {
		t.Fatalf("expected retry after 1s, got %v", rl.RetryAfter)
	}
	if s := l.Stats(); s.TokensLeft != 0 {
		t.Fatalf("rejected request must not deduct tokens, left %v", s.TokensLeft)
	}
}

func TestBlockingWaitsExactlyOnce(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 2, BurstSize: 2})

	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("request %d should be allowed, got: %v", i+1, err)
		}
	}
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("blocking acquire should succeed after waiting, got: %v", err)
	}
	if len(clock.slept) != 1 {
		t.Fatalf("expected exactly one wait, got %v", clock.slept)
	}
	if clock.slept[0] != 500*time.Millisecond {
		t.Fatalf("expected 500ms wait at 2 rps, got %v", clock.slept[0])
	}
}

func TestBlockingBurstConservation(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5})
	start := clock.Now()

	// 10 requests at 1 rps with a burst of 5 cannot finish in under 5s.
	for i := 0; i < 10; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if elapsed := clock.Now().Sub(start); elapsed < 5*time.Second {
		t.Fatalf("expected at least 5s of simulated waiting, got %v", elapsed)
	}
}

func TestCostAboveBurstFailsImmediately(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})
	err := l.Acquire(context.Background(), 3)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) || rl.Tier != TierBurst {
		t.Fatalf("expected burst rejection, got %v", err)
	}
	if len(clock.slept) != 0 {
		t.Fatal("oversized cost must not wait")
	}
}

func TestCostAboveRPMFailsImmediately(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerMinute: 5})
	err := l.Acquire(context.Background(), 6)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) || rl.Tier != TierRPM || rl.Limit != 5 {
		t.Fatalf("expected rpm rejection, got %v", err)
	}
}

func TestRPMSlidingWindow(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{RequestsPerMinute: 3, Blocking: nonBlocking()})

	for i := 0; i < 3; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("request %d should be allowed: %v", i+1, err)
		}
		clock.Advance(10 * time.Second)
	}

	err := l.Acquire(context.Background(), 1)
	var rl *ErrRateLimited
	if !errors.As(err, &rl) || rl.Tier != TierRPM {
		t.Fatalf("expected rpm rejection, got %v", err)
	}
	// First event was at t=0, now is t=30s: it leaves the window at t=60s.
	if rl.RetryAfter != 30*time.Second {
		t.Fatalf("expected 30s until the oldest event expires, got %v", rl.RetryAfter)
	}

	clock.Advance(30 * time.Second)
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("window should have room after the oldest event expired: %v", err)
	}
}

func TestWindowIsCostWeighted(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerMinute: 10, Blocking: nonBlocking()})
	if err := l.Acquire(context.Background(), 7); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := l.Acquire(context.Background(), 4); err == nil {
		t.Fatal("7+4 exceeds 10 per minute")
	}
	if err := l.Acquire(context.Background(), 3); err != nil {
		t.Fatalf("7+3 fits: %v", err)
	}
	if s := l.Stats(); s.WindowUsed != 10 || s.WindowRemain != 0 {
		t.Fatalf("unexpected window stats: %+v", s)
	}
}

func TestNoDoubleChargeAcrossTiers(t *testing.T) {
	// Bucket admits, window does not: the bucket must keep its tokens.
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 10, BurstSize: 10, RequestsPerMinute: 2, Blocking: nonBlocking()})
	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background(), 1); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.Acquire(context.Background(), 1); err == nil {
		t.Fatal("third request should hit the rpm ceiling")
	}
	if s := l.Stats(); s.TokensLeft != 8 {
		t.Fatalf("expected 8 tokens left, got %v", s.TokensLeft)
	}
}

func TestDefaultCostPerRequest(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerMinute: 4, CostPerRequest: 2, Blocking: nonBlocking()})
	if l.DefaultCost() != 2 {
		t.Fatalf("expected default cost 2, got %d", l.DefaultCost())
	}
	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background(), 0); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	if err := l.Acquire(context.Background(), 0); err == nil {
		t.Fatal("third request at cost 2 should exceed 4 per minute")
	}
}

func TestBlockingWaitCancelled(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1})
	clock.sleepE = context.Canceled
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	err := l.Acquire(context.Background(), 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRealClockBlockingRespectsContext(t *testing.T) {
	l := New(config.RateLimitConfig{RequestsPerSecond: 0.1, BurstSize: 1})
	if err := l.Acquire(context.Background(), 1); err != nil {
		t.Fatalf("first request: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Acquire(ctx, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("wait should stop when the context expires")
	}
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 5, Blocking: nonBlocking()})

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire(context.Background(), 1) == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 5 {
		t.Fatalf("expected exactly 5 admitted with a frozen clock, got %d", admitted)
	}
}
