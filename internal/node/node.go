// Package node is the runtime face of a configured node: it resolves the
// node's operation table, owns the dispatcher (or SQL pool) behind an
// atomic pointer so config changes swap in without disturbing in-flight
// calls, and fills env credentials before every dispatch.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"sort"
	"sync/atomic"

	"nodegate/internal/catalog"
	"nodegate/internal/circuitbreaker"
	"nodegate/internal/config"
	"nodegate/internal/dispatch"
	"nodegate/internal/logging"
	"nodegate/internal/metrics"
	"nodegate/internal/params"
	"nodegate/internal/ratelimit"
	"nodegate/internal/redact"
	"nodegate/internal/sqlnode"
)

// Data is the input of one node invocation.
type Data struct {
	Params params.Map `json:"params"`
}

// Executor runs operations for one immutable node config.
type Executor interface {
	Dispatch(ctx context.Context, p params.Map) dispatch.Result
	Config() config.NodeConfig
	Catalog() *catalog.Catalog
}

// Options are shared by every node of a registry.
type Options struct {
	Client    *http.Client
	Logger    *slog.Logger
	Redactor  *redact.Redactor
	Metrics   *metrics.Collector
	Audit     dispatch.Recorder
	LookupEnv func(string) (string, bool)
}

// state is one generation of a node. Calls load it once and finish on it
// even if Update swaps in a newer one.
type state struct {
	exec Executor
	cfg  config.NodeConfig
	disp *dispatch.Dispatcher
	sql  *sqlnode.Node
}

// Node is a named, hot-swappable node. Safe for concurrent use.
type Node struct {
	name    string
	opts    Options
	logger  *slog.Logger
	env     *EnvResolver
	current atomic.Pointer[state]
}

// Build resolves cfg and creates the node.
func Build(ctx context.Context, cfg config.NodeConfig, opts Options) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.NewRedactor()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	n := &Node{
		name:   cfg.Name,
		opts:   opts,
		logger: logging.ForNode(opts.Logger, cfg.Name, "node"),
		env:    NewEnvResolver(opts.LookupEnv, opts.Logger),
	}
	st, err := n.build(ctx, cfg, nil)
	if err != nil {
		return nil, err
	}
	n.current.Store(st)
	return n, nil
}

func (n *Node) build(ctx context.Context, cfg config.NodeConfig, prev *state) (*state, error) {
	if cfg.Kind == "" {
		cfg.Kind = config.KindHTTP
	}
	switch cfg.Kind {
	case config.KindSQL:
		return n.buildSQL(cfg, prev)
	case config.KindHTTP:
		return n.buildHTTP(ctx, cfg, prev)
	}
	return nil, fmt.Errorf("node %s: unsupported kind %q", cfg.Name, cfg.Kind)
}

func (n *Node) buildHTTP(ctx context.Context, cfg config.NodeConfig, prev *state) (*state, error) {
	cat, merged, err := catalog.Resolve(ctx, cfg)
	if err != nil {
		return nil, err
	}
	merged.ApplyDefaults()
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("node %s: %w", cfg.Name, err)
	}

	opts := dispatch.Options{
		Client:   n.opts.Client,
		Logger:   n.opts.Logger,
		Redactor: n.opts.Redactor,
		Metrics:  n.opts.Metrics,
		Audit:    n.opts.Audit,
	}
	if prev != nil && prev.disp != nil {
		old := prev.cfg
		if cacheReusable(&old, &merged) {
			opts.Cache = prev.disp.Cache()
		}
		if reflect.DeepEqual(old.RateLimit, merged.RateLimit) {
			opts.Limiter = prev.disp.Limiter()
		}
	}
	d, err := dispatch.New(merged, cat, opts)
	if err != nil {
		return nil, err
	}
	return &state{exec: d, cfg: d.Config(), disp: d}, nil
}

// cacheReusable reports whether cached responses of old are still valid
// answers under next.
func cacheReusable(old, next *config.NodeConfig) bool {
	if old.ConnectionChanged(next) {
		return false
	}
	if old.Catalog != next.Catalog || old.CatalogFile != next.CatalogFile || old.OpenAPIFile != next.OpenAPIFile {
		return false
	}
	return reflect.DeepEqual(old.Cache, next.Cache)
}

func (n *Node) buildSQL(cfg config.NodeConfig, prev *state) (*state, error) {
	check := cfg
	if cfg.SQL != nil {
		sqlCopy := *cfg.SQL
		check.SQL = &sqlCopy
	}
	check.ApplyDefaults()

	opts := sqlnode.Options{
		Logger:   n.opts.Logger,
		Redactor: n.opts.Redactor,
		Metrics:  n.opts.Metrics,
		Audit:    n.opts.Audit,
	}
	if prev != nil && prev.sql != nil && reflect.DeepEqual(prev.cfg.SQL, check.SQL) {
		opts.DB = prev.sql.DB()
	}
	s, err := sqlnode.New(cfg, opts)
	if err != nil {
		return nil, err
	}
	return &state{exec: s, cfg: s.Config(), sql: s}, nil
}

// Update swaps in cfg. The rate limiter carries over while its settings are
// unchanged, cached responses while connection, catalog and cache settings
// are, and a SQL pool while its sql section is. On error the node keeps its
// current config.
func (n *Node) Update(ctx context.Context, cfg config.NodeConfig) error {
	if cfg.Name != n.name {
		return fmt.Errorf("node %s: cannot rename to %s", n.name, cfg.Name)
	}
	prev := n.current.Load()
	next, err := n.build(ctx, cfg, prev)
	if err != nil {
		return err
	}
	n.current.Store(next)
	n.logger.Info("node updated", "kind", next.cfg.Kind, "operations", len(next.exec.Catalog().Operations))
	return n.release(prev, next)
}

// release closes the SQL pool of prev unless next took it over.
func (n *Node) release(prev, next *state) error {
	if prev == nil || prev.sql == nil {
		return nil
	}
	if next != nil && next.sql != nil && next.sql.DB() == prev.sql.DB() {
		return nil
	}
	return prev.sql.Close()
}

// Execute runs one operation. Env credentials are resolved first; the
// dispatcher never reads the environment itself.
func (n *Node) Execute(ctx context.Context, data Data) dispatch.Result {
	st := n.current.Load()
	p := data.Params
	if op, ok := st.exec.Catalog().Operation(p.Operation()); ok {
		p = n.env.Resolve(&st.cfg, op, p)
	}
	return st.exec.Dispatch(ctx, p)
}

func (n *Node) Name() string { return n.name }
func (n *Node) Config() config.NodeConfig { return n.current.Load().cfg }
func (n *Node) Catalog() *catalog.Catalog { return n.current.Load().exec.Catalog() }

// GetMetrics returns the node's counters since it was first built.
func (n *Node) GetMetrics() metrics.Snapshot {
	return n.opts.Metrics.Snapshot(n.name)
}

// Stats is the runtime state behind the metrics endpoint.
type Stats struct {
	Kind           string                `json:"kind"`
	Operations     []string              `json:"operations"`
	CircuitBreaker *circuitbreaker.Stats `json:"circuit_breaker,omitempty"`
	RateLimiter    *ratelimit.Stats      `json:"rate_limiter,omitempty"`
	CacheEntries   int                   `json:"cache_entries"`
}

func (n *Node) Stats() Stats {
	st := n.current.Load()
	s := Stats{Kind: st.cfg.Kind, Operations: st.exec.Catalog().Names()}
	if st.disp != nil {
		if b := st.disp.Breaker(); b.Enabled() {
			bs := b.Stats()
			s.CircuitBreaker = &bs
		}
		ls := st.disp.Limiter().Stats()
		s.RateLimiter = &ls
		s.CacheEntries = st.disp.Cache().Len()
	}
	return s
}

// Close releases the node's SQL pool, if any.
func (n *Node) Close() error {
	return n.release(n.current.Load(), nil)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
