// Package retry decides which failed upstream attempts are worth repeating
// and how long to wait between them.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"nodegate/internal/config"
	"nodegate/internal/nodeerr"
)

// RetryAfterCap bounds how long an upstream Retry-After header can stall a dispatch.
const RetryAfterCap = 30 * time.Second

// Policy is a node's retry_config turned into behaviour. Safe for concurrent use.
type Policy struct {
	maxAttempts int
	backoff     string
	base        time.Duration
	max         time.Duration
	jitter      bool
	codes       map[int]bool
	classes     map[nodeerr.Class]bool

	mu    sync.Mutex
	rng   *rand.Rand
	onTry func(attempt int, delay time.Duration, err error)
}

// New builds a Policy. Zero values fall back to the config defaults.
func New(cfg config.RetryConfig) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Policy{
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		base:        config.Seconds(cfg.BaseDelay),
		max:         config.Seconds(cfg.MaxDelay),
		jitter:      config.IsTrue(cfg.Jitter),
		codes:       map[int]bool{},
		classes:     map[nodeerr.Class]bool{},
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if p.max < p.base {
		p.max = p.base
	}
	for _, c := range cfg.RetriableCodes {
		p.codes[c] = true
	}
	for _, c := range cfg.RetriableExceptions {
		p.classes[nodeerr.Class(c)] = true
	}
	return p
}

// MaxAttempts is the total number of attempts, first try included.
func (p *Policy) MaxAttempts() int { return p.maxAttempts }

// OnRetry registers a hook called before each retry sleep, with the
// attempt about to run (2 for the first retry), the delay and the error
// that triggered it.
func (p *Policy) OnRetry(fn func(attempt int, delay time.Duration, err error)) {
	p.onTry = fn
}

// Delay is the wait before attempt n (n >= 2): min(max, base*2^(n-2)),
// scaled by a factor in [0.5, 1.5) when jitter is on and clamped again.
func (p *Policy) Delay(n int) time.Duration {
	if n < 2 {
		return 0
	}
	var d time.Duration
	if p.backoff == "constant" {
		d = p.base
	} else {
		exp := math.Pow(2, float64(n-2))
		f := float64(p.base) * exp
		if f > float64(p.max) || math.IsInf(f, 0) {
			d = p.max
		} else {
			d = time.Duration(f)
		}
	}
	if p.jitter {
		p.mu.Lock()
		factor := 0.5 + p.rng.Float64()
		p.mu.Unlock()
		d = time.Duration(float64(d) * factor)
	}
	if d > p.max {
		d = p.max
	}
	return d
}

// Retriable reports whether err is an upstream failure the policy repeats.
func (p *Policy) Retriable(err error) bool {
	var he *nodeerr.HTTPError
	if !errors.As(err, &he) {
		return false
	}
	if he.Status != 0 {
		return p.codes[he.Status]
	}
	return p.classes[he.Class]
}

// Do runs attempt up to MaxAttempts times. It returns the number of retries
// performed and the final error. When every attempt failed with a retriable
// error the retry count reported is MaxAttempts.
func (p *Policy) Do(ctx context.Context, attempt func(ctx context.Context) error) (int, error) {
	return p.DoNotify(ctx, attempt, nil)
}

// DoNotify is Do with a per-call hook that runs before each retry sleep,
// after the policy-wide OnRetry hook.
func (p *Policy) DoNotify(ctx context.Context, attempt func(ctx context.Context) error, notify func(attempt int, delay time.Duration, err error)) (int, error) {
	tries := 0
	var last error
	exhausted := false

	b := goretry.BackoffFunc(func() (time.Duration, bool) {
		if tries >= p.maxAttempts {
			exhausted = true
			return 0, true
		}
		next := tries + 1
		d := p.Delay(next)
		var he *nodeerr.HTTPError
		if errors.As(last, &he) && he.Status == http.StatusTooManyRequests && he.RetryAfter > d {
			d = he.RetryAfter
			if d > RetryAfterCap {
				d = RetryAfterCap
			}
		}
		if p.onTry != nil {
			p.onTry(next, d, last)
		}
		if notify != nil {
			notify(next, d, last)
		}
		return d, false
	})

	err := goretry.Do(ctx, b, func(ctx context.Context) error {
		tries++
		err := attempt(ctx)
		last = err
		if err == nil {
			return nil
		}
		if p.Retriable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
	if err != nil && exhausted {
		return p.maxAttempts, err
	}
	if tries == 0 {
		return 0, err
	}
	return tries - 1, err
}

// ParseRetryAfter parses a Retry-After header value (integer seconds or an
// HTTP date) into a duration capped at RetryAfterCap. Unparseable, negative
// or past values yield 0.
func ParseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil {
		if secs <= 0 {
			return 0
		}
		d := time.Duration(secs) * time.Second
		if d > RetryAfterCap {
			return RetryAfterCap
		}
		return d
	}
	t, err := http.ParseTime(val)
	if err != nil {
		return 0
	}
	d := time.Until(t)
	if d <= 0 {
		return 0
	}
	if d > RetryAfterCap {
		return RetryAfterCap
	}
	return d
}
