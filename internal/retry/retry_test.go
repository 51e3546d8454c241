package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"nodegate/internal/config"
	"nodegate/internal/nodeerr"
)

func boolPtr(v bool) *bool { return &v }

func testPolicy(attempts int, base, max float64, jitter bool) *Policy {
	return New(config.RetryConfig{
		MaxAttempts:         attempts,
		Backoff:             "exponential",
		BaseDelay:           base,
		MaxDelay:            max,
		Jitter:              boolPtr(jitter),
		RetriableCodes:      []int{429, 500, 502, 503, 504},
		RetriableExceptions: []string{"timeout", "connection"},
	})
}

func TestDelayExponentialBackoff(t *testing.T) {
	p := testPolicy(10, 1, 30, false)
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		n := i + 2
		if d := p.Delay(n); d != w {
			t.Errorf("attempt %d: expected %v, got %v", n, w, d)
		}
	}
}

func TestDelayFirstAttemptIsZero(t *testing.T) {
	p := testPolicy(3, 1, 30, true)
	if d := p.Delay(1); d != 0 {
		t.Fatalf("first attempt has no delay, got %v", d)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := testPolicy(10, 1, 30, true)
	tests := []struct {
		attempt int
		minMS   int
		maxMS   int
	}{
		{2, 500, 1500},
		{3, 1000, 3000},
		{4, 2000, 6000},
		{7, 15000, 30000}, // 32s capped to 30s, then jittered and clamped
		{9, 15000, 30000},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			for i := 0; i < 50; i++ {
				ms := int(p.Delay(tt.attempt).Milliseconds())
				if ms < tt.minMS || ms > tt.maxMS {
					t.Errorf("attempt %d: delay %dms not in [%d, %d]", tt.attempt, ms, tt.minMS, tt.maxMS)
				}
			}
		})
	}
}

func TestDelayIncludesJitter(t *testing.T) {
	p := testPolicy(3, 1, 30, true)
	seen := map[time.Duration]bool{}
	for i := 0; i < 100; i++ {
		seen[p.Delay(2)] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected jitter to produce varying delays, got %d unique values", len(seen))
	}
}

func TestDelayConstant(t *testing.T) {
	p := New(config.RetryConfig{MaxAttempts: 5, Backoff: "constant", BaseDelay: 2, MaxDelay: 10})
	for n := 2; n <= 5; n++ {
		if d := p.Delay(n); d != 2*time.Second {
			t.Fatalf("attempt %d: expected constant 2s, got %v", n, d)
		}
	}
}

func TestRetriableClassification(t *testing.T) {
	p := testPolicy(3, 0, 0, false)
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &nodeerr.HTTPError{Status: 429, Class: nodeerr.ClassStatus}, true},
		{"503", &nodeerr.HTTPError{Status: 503, Class: nodeerr.ClassStatus}, true},
		{"wrapped 502", fmt.Errorf("call: %w", &nodeerr.HTTPError{Status: 502}), true},
		{"404", &nodeerr.HTTPError{Status: 404, Class: nodeerr.ClassStatus}, false},
		{"400", &nodeerr.HTTPError{Status: 400, Class: nodeerr.ClassStatus}, false},
		{"timeout", &nodeerr.HTTPError{Class: nodeerr.ClassTimeout}, true},
		{"connection", &nodeerr.HTTPError{Class: nodeerr.ClassConnection}, true},
		{"validation", nodeerr.Invalid("x", "required", "missing"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Retriable(tt.err); got != tt.want {
				t.Fatalf("Retriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRetriableRespectsConfiguredClasses(t *testing.T) {
	p := New(config.RetryConfig{MaxAttempts: 3, RetriableCodes: []int{503}, RetriableExceptions: []string{"timeout"}})
	if p.Retriable(&nodeerr.HTTPError{Class: nodeerr.ClassConnection}) {
		t.Fatal("connection errors are not configured as retriable")
	}
	if p.Retriable(&nodeerr.HTTPError{Status: 500}) {
		t.Fatal("500 is not configured as retriable")
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	p := testPolicy(5, 0.001, 0.002, false)
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &nodeerr.HTTPError{Status: 503}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("expected 3 calls / 2 retries, got %d / %d", calls, retries)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := testPolicy(3, 0.001, 0.002, false)
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &nodeerr.HTTPError{Status: 500, Body: fmt.Sprintf("attempt %d", calls)}
	})
	if calls != 3 {
		t.Fatalf("expected exactly max_attempts calls, got %d", calls)
	}
	if retries != 3 {
		t.Fatalf("expected retries_used = max_attempts on exhaustion, got %d", retries)
	}
	var he *nodeerr.HTTPError
	if !errors.As(err, &he) || he.Body != "attempt 3" {
		t.Fatalf("expected the last error, got %v", err)
	}
}

func TestDoStopsOnNonRetriable(t *testing.T) {
	p := testPolicy(5, 0.001, 0.002, false)
	calls := 0
	retries, err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &nodeerr.HTTPError{Status: 502}
		}
		return &nodeerr.HTTPError{Status: 404}
	})
	if calls != 2 || retries != 1 {
		t.Fatalf("expected 2 calls / 1 retry, got %d / %d", calls, retries)
	}
	var he *nodeerr.HTTPError
	if !errors.As(err, &he) || he.Status != 404 {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestDoDelaysNonDecreasingAndBounded(t *testing.T) {
	p := testPolicy(5, 0.001, 0.004, false)
	var delays []time.Duration
	p.OnRetry(func(attempt int, d time.Duration, err error) {
		delays = append(delays, d)
	})
	_, _ = p.Do(context.Background(), func(ctx context.Context) error {
		return &nodeerr.HTTPError{Class: nodeerr.ClassTimeout}
	})
	if len(delays) != 4 {
		t.Fatalf("expected 4 retry delays, got %v", delays)
	}
	for i, d := range delays {
		if d > 4*time.Millisecond {
			t.Fatalf("delay %d exceeds max: %v", i, d)
		}
		if i > 0 && d < delays[i-1] {
			t.Fatalf("delays must not decrease: %v", delays)
		}
	}
}

func TestDoHonoursRetryAfterOn429(t *testing.T) {
	p := testPolicy(2, 0.001, 0.002, false)
	var got time.Duration
	p.OnRetry(func(attempt int, d time.Duration, err error) { got = d })
	calls := 0
	_, _ = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &nodeerr.HTTPError{Status: 429, RetryAfter: 20 * time.Millisecond}
		}
		return nil
	})
	if got != 20*time.Millisecond {
		t.Fatalf("expected Retry-After to win over the computed delay, got %v", got)
	}
}

func TestDoNotifyRunsBothHooks(t *testing.T) {
	p := testPolicy(3, 0.001, 0.002, false)
	var global, local []int
	p.OnRetry(func(attempt int, d time.Duration, err error) { global = append(global, attempt) })
	retries, err := p.DoNotify(context.Background(), func(ctx context.Context) error {
		return &nodeerr.HTTPError{Status: 502}
	}, func(attempt int, d time.Duration, err error) {
		local = append(local, attempt)
	})
	if err == nil || retries != 3 {
		t.Fatalf("expected exhaustion with 3 retries, got %d (%v)", retries, err)
	}
	if fmt.Sprint(local) != "[2 3]" || fmt.Sprint(global) != "[2 3]" {
		t.Fatalf("expected hooks for attempts 2 and 3, got local %v global %v", local, global)
	}
}

func TestDoCancelledDuringSleep(t *testing.T) {
	p := testPolicy(3, 5, 5, false)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Do(ctx, func(ctx context.Context) error {
		return &nodeerr.HTTPError{Status: 503}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("retry sleep should stop when the context expires")
	}
}

func TestParseRetryAfterSeconds(t *testing.T) {
	if d := ParseRetryAfter("5"); d != 5*time.Second {
		t.Errorf("expected 5s, got %v", d)
	}
}

func TestParseRetryAfterZeroSeconds(t *testing.T) {
	if d := ParseRetryAfter("0"); d != 0 {
		t.Errorf("expected 0, got %v", d)
	}
}

func TestParseRetryAfterLargeValue(t *testing.T) {
	if d := ParseRetryAfter("120"); d != RetryAfterCap {
		t.Errorf("expected %v (cap), got %v", RetryAfterCap, d)
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(10 * time.Second).UTC().Format(http.TimeFormat)
	d := ParseRetryAfter(future)
	// Should be roughly 10s (allow some slack for test execution time).
	if d < 8*time.Second || d > 12*time.Second {
		t.Errorf("expected ~10s, got %v", d)
	}
}

func TestParseRetryAfterHTTPDatePast(t *testing.T) {
	past := time.Now().Add(-10 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(past); d != 0 {
		t.Errorf("expected 0 for past date, got %v", d)
	}
}

func TestParseRetryAfterHTTPDateCapped(t *testing.T) {
	future := time.Now().Add(60 * time.Second).UTC().Format(http.TimeFormat)
	if d := ParseRetryAfter(future); d != RetryAfterCap {
		t.Errorf("expected %v (cap), got %v", RetryAfterCap, d)
	}
}

func TestParseRetryAfterUnparseable(t *testing.T) {
	for _, val := range []string{"", "abc", "not-a-date", "-1"} {
		if d := ParseRetryAfter(val); d != 0 {
			t.Errorf("ParseRetryAfter(%q) = %v, want 0", val, d)
		}
	}
}

func TestParseRetryAfterWhitespace(t *testing.T) {
	if d := ParseRetryAfter("  10  "); d != 10*time.Second {
		t.Errorf("expected 10s, got %v", d)
	}
}
