// Package dispatch runs one operation of a node: it validates the params,
// serves from the response cache when it can, passes the circuit breaker and
// the rate limiter, executes the HTTP call under the retry policy and folds
// the outcome into a Result.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ohler55/ojg/jp"

	"nodegate/internal/cache"
	"nodegate/internal/catalog"
	"nodegate/internal/circuitbreaker"
	"nodegate/internal/config"
	"nodegate/internal/credentials"
	"nodegate/internal/logging"
	"nodegate/internal/metrics"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
	"nodegate/internal/ratelimit"
	"nodegate/internal/redact"
	"nodegate/internal/request"
	"nodegate/internal/retry"
)

// Options are the collaborators of a Dispatcher. Every field is optional.
type Options struct {
	// Client overrides the HTTP client built from the node timeouts.
	Client   *http.Client
	Logger   *slog.Logger
	Redactor *redact.Redactor
	Metrics  *metrics.Collector
	Audit    Recorder

	// Cache and Limiter carry state over from a previous dispatcher of the
	// same node when its config is swapped.
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter

	// OnState observes every state transition.
	OnState func(requestID string, state State)
}

// Dispatcher executes operations of one node. Its config and catalog never
// change after New; a config change builds a new Dispatcher. Safe for
// concurrent use.
type Dispatcher struct {
	cfg     config.NodeConfig
	catalog *catalog.Catalog

	client   *http.Client
	logger   *slog.Logger
	redactor *redact.Redactor
	observer Observer
	onState  func(string, State)

	limiter *ratelimit.Limiter
	retry   *retry.Policy
	cache   *cache.Cache
	policy  *cache.Policy
	creds   *credentials.Injector
	breaker *circuitbreaker.Breaker

	build request.Options
	paths map[string]jp.Expr
	total time.Duration
}

// New builds a dispatcher for cfg serving the operations of cat. Defaults
// are applied to cfg; response paths of every operation are compiled here.
func New(cfg config.NodeConfig, cat *catalog.Catalog, opts Options) (*Dispatcher, error) {
	if cat == nil {
		return nil, fmt.Errorf("node %s: no catalog", cfg.Name)
	}
	cfg.ApplyDefaults()
	if cfg.Kind != config.KindHTTP {
		return nil, fmt.Errorf("node %s: kind %q is not dispatched over HTTP", cfg.Name, cfg.Kind)
	}

	d := &Dispatcher{
		cfg:      cfg,
		catalog:  cat,
		client:   opts.Client,
		logger:   logging.ForNode(opts.Logger, cfg.Name, "dispatch"),
		redactor: opts.Redactor,
		onState:  opts.OnState,
		limiter:  opts.Limiter,
		retry:    retry.New(*cfg.Retry),
		cache:    opts.Cache,
		policy:   cache.NewPolicy(*cfg.Cache),
		creds:    credentials.New(*cfg.Authentication, nil),
		breaker:  circuitbreaker.New(cfg.Name, cfg.CircuitBreaker),
		paths:    map[string]jp.Expr{},
		total:    config.Seconds(cfg.Timeouts.Total),
	}
	if d.client == nil {
		d.client = newClient(cfg.Timeouts)
	}
	if d.redactor == nil {
		d.redactor = redact.NewRedactor(cfg.Secrets()...)
	}
	d.observer = Observer{Node: cfg.Name, Metrics: opts.Metrics, Audit: opts.Audit, Redactor: d.redactor}
	if d.limiter == nil {
		d.limiter = ratelimit.New(*cfg.RateLimit)
	}
	if d.cache == nil {
		c, err := cache.New(cfg.Cache.MaxEntries)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", cfg.Name, err)
		}
		d.cache = c
	}

	ignore := map[string]bool{}
	for _, name := range d.creds.Params() {
		ignore[name] = true
	}
	for _, name := range cfg.EnvParams {
		ignore[name] = true
	}
	d.build = request.Options{BaseURL: cfg.BaseURL, Headers: cfg.Headers, Ignore: ignore}

	for _, op := range cat.Sorted() {
		if op.ResponsePath == "" {
			continue
		}
		expr, err := jp.ParseString(op.ResponsePath)
		if err != nil {
			return nil, fmt.Errorf("node %s: operation %s: invalid response_path %q: %w", cfg.Name, op.Name, op.ResponsePath, err)
		}
		d.paths[op.Name] = expr
	}
	return d, nil
}

func (d *Dispatcher) Config() config.NodeConfig { return d.cfg }
func (d *Dispatcher) Catalog() *catalog.Catalog { return d.catalog }
func (d *Dispatcher) Cache() *cache.Cache { return d.cache }
func (d *Dispatcher) Limiter() *ratelimit.Limiter { return d.limiter }
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker { return d.breaker }

// run is the bookkeeping of a single dispatch.
type run struct {
	d         *Dispatcher
	id        string
	operation string

	// mu guards the fields below. A shared cache fetch keeps updating them
	// after the caller that started it has stopped waiting.
	mu          sync.Mutex
	state       State
	retries     int
	fromCache   bool
	rateLimited bool
}

func (r *run) enter(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	if r.d.onState != nil {
		r.d.onState(r.id, s)
	}
}

// Dispatch executes the operation named by p's operation key. It always
// returns a Result; failures are reported in it.
func (d *Dispatcher) Dispatch(ctx context.Context, p params.Map) Result {
	start := time.Now()
	r := &run{d: d, id: uuid.NewString(), operation: p.Operation()}

	if d.total > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.total)
		defer cancel()
	}

	res := r.safeExecute(ctx, p)
	elapsed := time.Since(start)
	res.RequestID = r.id
	res.ExecutionTime = elapsed.Seconds()
	r.mu.Lock()
	res.RetriesUsed = r.retries
	res.FromCache = r.fromCache
	res.RateLimited = res.RateLimited || r.rateLimited
	r.mu.Unlock()
	d.observe(r, res, elapsed)
	return res
}

func (r *run) safeExecute(ctx context.Context, p params.Map) (res Result) {
	defer func() {
		if v := recover(); v != nil {
			r.d.logger.Error("dispatch panic", "request_id", r.id, "operation", r.operation, "panic", v, "stack", string(debug.Stack()))
			res = r.fail(fmt.Errorf("internal error: %v", v))
		}
	}()
	return r.execute(ctx, p)
}

func (r *run) fail(err error) Result {
	r.enter(StateError)
	return ErrorResult(err)
}

func (r *run) execute(ctx context.Context, p params.Map) Result {
	d := r.d
	r.enter(StateValidating)
	if r.operation == "" {
		return r.fail(nodeerr.Invalid(params.OperationKey, "required", "missing required parameter"))
	}
	op, ok := d.catalog.Operation(r.operation)
	if !ok {
		msg := fmt.Sprintf("%v %q", nodeerr.ErrUnknownOperation, r.operation)
		return r.fail(nodeerr.Invalid(params.OperationKey, "operation", msg))
	}
	req, err := request.Build(op, p, d.build)
	if err != nil {
		return r.fail(err)
	}
	if err := d.creds.Check(p); err != nil {
		return r.fail(err)
	}

	r.enter(StateCacheCheck)
	ttl := config.Seconds(op.CacheTTL)
	key := ""
	if d.policy.Eligible(op.Method, ttl) {
		if key, err = d.policy.Key(op.Name, p); err != nil {
			d.logger.Warn("cache bypassed", "request_id", r.id, "operation", op.Name, "error", err)
			key = ""
		}
	}

	var resp *response
	if key == "" {
		resp, err = r.fetch(ctx, op, req, p)
	} else {
		var fetched atomic.Bool
		var v any
		var hit bool
		// The shared fetch is detached from any one caller, so it carries
		// its own total timeout.
		v, hit, err = d.cache.Load(ctx, key, ttl, func(fctx context.Context) (any, error) {
			fetched.Store(true)
			if d.total > 0 {
				var cancel context.CancelFunc
				fctx, cancel = context.WithTimeout(fctx, d.total)
				defer cancel()
			}
			out, err := r.fetch(fctx, op, req, p)
			if err != nil {
				return nil, err
			}
			r.enter(StateCaching)
			return out, nil
		})
		if err == nil {
			resp = v.(*response)
			// A caller that joined another caller's fetch was served
			// without an upstream call of its own.
			r.mu.Lock()
			r.fromCache = hit || !fetched.Load()
			r.mu.Unlock()
		}
	}
	if err != nil {
		return r.fail(err)
	}

	r.enter(StateDone)
	return Result{Status: StatusSuccess, Data: resp.Data, StatusCode: resp.StatusCode}
}

// fetch passes the breaker and the rate limiter, then runs the HTTP call
// under the retry policy. The limiter is charged once per dispatch, not per
// attempt.
func (r *run) fetch(ctx context.Context, op *catalog.OperationSpec, req *request.Request, p params.Map) (*response, error) {
	d := r.d
	if err := d.breaker.Allow(); err != nil {
		return nil, err
	}

	r.enter(StateRateLimit)
	if err := d.limiter.Acquire(ctx, op.RateLimitCost); err != nil {
		d.breaker.Release()
		var rl *ratelimit.ErrRateLimited
		r.mu.Lock()
		r.rateLimited = errors.As(err, &rl)
		r.mu.Unlock()
		return nil, err
	}

	var out *response
	retries, err := d.retry.DoNotify(ctx, func(ctx context.Context) error {
		r.enter(StateExecuting)
		resp, err := d.attempt(ctx, op, req, p)
		if err != nil {
			return err
		}
		out = resp
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		r.enter(StateRetryWait)
		d.logger.Warn("retrying request",
			"request_id", r.id,
			"operation", op.Name,
			"attempt", attempt,
			"max_attempts", d.retry.MaxAttempts(),
			"delay", delay,
			"error", d.redactor.Error(err))
	})
	r.mu.Lock()
	r.retries = retries
	r.mu.Unlock()
	d.recordOutcome(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) attempt(ctx context.Context, op *catalog.OperationSpec, req *request.Request, p params.Map) (*response, error) {
	httpReq, err := req.HTTP(ctx)
	if err != nil {
		return nil, err
	}
	if err := d.creds.Apply(httpReq, p); err != nil {
		return nil, err
	}

	d.logger.Debug("sending request", "operation", op.Name, "method", req.Method, "url", d.redactor.Redact(req.URL.String()))
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &nodeerr.HTTPError{
			Status:     resp.StatusCode,
			Body:       string(body),
			Class:      nodeerr.ClassStatus,
			RetryAfter: retry.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return &response{Data: extract(d.paths[op.Name], decodeBody(body)), StatusCode: resp.StatusCode}, nil
}

// recordOutcome reports an executed call to the breaker. A 4xx means the
// upstream is healthy; failures that never reached it release the probe.
func (d *Dispatcher) recordOutcome(err error) {
	if err == nil {
		d.breaker.RecordSuccess()
		return
	}
	var he *nodeerr.HTTPError
	switch {
	case errors.As(err, &he) && he.Status != 0 && he.Status < http.StatusInternalServerError:
		d.breaker.RecordSuccess()
	case errors.As(err, &he), errors.Is(err, context.DeadlineExceeded):
		d.breaker.RecordFailure(errors.New(d.redactor.Error(err)))
	default:
		d.breaker.Release()
	}
}

func (d *Dispatcher) observe(r *run, res Result, elapsed time.Duration) {
	if res.OK() {
		d.logger.Info("dispatch complete",
			"request_id", r.id,
			"operation", r.operation,
			"status_code", res.StatusCode,
			"from_cache", res.FromCache,
			"retries", res.RetriesUsed,
			"duration", elapsed)
	} else {
		d.logger.Warn("dispatch failed",
			"request_id", r.id,
			"operation", r.operation,
			"error_kind", res.ErrorKind,
			"status_code", res.StatusCode,
			"retries", res.RetriesUsed,
			"error", d.redactor.Redact(res.Error))
	}
	d.observer.Observe(r.id, r.operation, res, elapsed)
}
