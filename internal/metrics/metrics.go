package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var durationBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000} // milliseconds

// Sample is the outcome of one dispatch.
type Sample struct {
	Node        string
	Operation   string
	Duration    time.Duration
	Success     bool
	ErrorKind   string
	FromCache   bool
	RateLimited bool
	Retries     int
}

// Collector collects dispatch metrics for the node metrics endpoints and
// Prometheus export.
type Collector struct {
	mu    sync.RWMutex
	nodes map[string]*nodeStats

	startTime time.Time
}

type nodeStats struct {
	requests    atomic.Int64
	errors      atomic.Int64
	cacheHits   atomic.Int64
	rateLimited atomic.Int64
	retries     atomic.Int64
	durationSum atomic.Int64 // microseconds

	buckets []atomic.Int64 // parallel to durationBuckets, not cumulative

	mu         sync.Mutex
	operations map[string]int64
	errorKinds map[string]int64
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		nodes:     make(map[string]*nodeStats),
		startTime: time.Now(),
	}
}

func (c *Collector) node(name string) *nodeStats {
	c.mu.RLock()
	n, ok := c.nodes[name]
	c.mu.RUnlock()
	if ok {
		return n
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok = c.nodes[name]; ok {
		return n
	}
	n = &nodeStats{
		buckets:    make([]atomic.Int64, len(durationBuckets)),
		operations: make(map[string]int64),
		errorKinds: make(map[string]int64),
	}
	c.nodes[name] = n
	return n
}

// Record adds one dispatch outcome.
func (c *Collector) Record(s Sample) {
	n := c.node(s.Node)
	n.requests.Add(1)
	if !s.Success {
		n.errors.Add(1)
	}
	if s.FromCache {
		n.cacheHits.Add(1)
	}
	if s.RateLimited {
		n.rateLimited.Add(1)
	}
	n.retries.Add(int64(s.Retries))
	n.durationSum.Add(s.Duration.Microseconds())

	ms := float64(s.Duration.Microseconds()) / 1000
	for i, b := range durationBuckets {
		if ms <= b {
			n.buckets[i].Add(1)
			break
		}
	}

	n.mu.Lock()
	if s.Operation != "" {
		n.operations[s.Operation]++
	}
	if s.ErrorKind != "" {
		n.errorKinds[s.ErrorKind]++
	}
	n.mu.Unlock()
}

// Forget drops a node's counters, used when a node is removed on reload.
func (c *Collector) Forget(node string) {
	c.mu.Lock()
	delete(c.nodes, node)
	c.mu.Unlock()
}

// Snapshot is the per-node view returned by GetMetrics.
type Snapshot struct {
	SuccessRate     float64          `json:"success_rate"`
	AvgResponseTime float64          `json:"avg_response_time"` // seconds
	ErrorCount      int64            `json:"error_count"`
	RequestCount    int64            `json:"request_count"`
	CacheHits       int64            `json:"cache_hits"`
	RateLimited     int64            `json:"rate_limited"`
	Retries         int64            `json:"retries"`
	Operations      map[string]int64 `json:"operations,omitempty"`
	ErrorKinds      map[string]int64 `json:"error_kinds,omitempty"`
}

// Snapshot returns the current metrics of one node. Unknown nodes yield a
// zero snapshot.
func (c *Collector) Snapshot(node string) Snapshot {
	c.mu.RLock()
	n, ok := c.nodes[node]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}
	}
	return n.snapshot()
}

func (n *nodeStats) snapshot() Snapshot {
	snap := Snapshot{
		RequestCount: n.requests.Load(),
		ErrorCount:   n.errors.Load(),
		CacheHits:    n.cacheHits.Load(),
		RateLimited:  n.rateLimited.Load(),
		Retries:      n.retries.Load(),
	}
	if snap.RequestCount > 0 {
		snap.SuccessRate = float64(snap.RequestCount-snap.ErrorCount) / float64(snap.RequestCount)
		snap.AvgResponseTime = float64(n.durationSum.Load()) / 1e6 / float64(snap.RequestCount)
	}

	n.mu.Lock()
	if len(n.operations) > 0 {
		snap.Operations = make(map[string]int64, len(n.operations))
		for k, v := range n.operations {
			snap.Operations[k] = v
		}
	}
	if len(n.errorKinds) > 0 {
		snap.ErrorKinds = make(map[string]int64, len(n.errorKinds))
		for k, v := range n.errorKinds {
			snap.ErrorKinds[k] = v
		}
	}
	n.mu.Unlock()
	return snap
}

// PrometheusFormat exports metrics in Prometheus text format
func (c *Collector) PrometheusFormat() string {
	c.mu.RLock()
	names := make([]string, 0, len(c.nodes))
	for name := range c.nodes {
		names = append(names, name)
	}
	nodes := make(map[string]*nodeStats, len(c.nodes))
	for k, v := range c.nodes {
		nodes[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	var b strings.Builder
	counter := func(metric, help string, value func(*nodeStats) int64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s counter\n", metric, help, metric)
		for _, name := range names {
			fmt.Fprintf(&b, "%s{node=%q} %d\n", metric, name, value(nodes[name]))
		}
		b.WriteString("\n")
	}
	counter("nodegate_requests_total", "Total number of dispatches", func(n *nodeStats) int64 { return n.requests.Load() })
	counter("nodegate_requests_failed_total", "Total number of failed dispatches", func(n *nodeStats) int64 { return n.errors.Load() })
	counter("nodegate_cache_hits_total", "Dispatches served from the response cache", func(n *nodeStats) int64 { return n.cacheHits.Load() })
	counter("nodegate_rate_limited_total", "Dispatches rejected by the rate limiter", func(n *nodeStats) int64 { return n.rateLimited.Load() })
	counter("nodegate_retries_total", "Upstream retries", func(n *nodeStats) int64 { return n.retries.Load() })

	b.WriteString("# HELP nodegate_requests_by_operation_total Dispatches per operation\n")
	b.WriteString("# TYPE nodegate_requests_by_operation_total counter\n")
	for _, name := range names {
		n := nodes[name]
		n.mu.Lock()
		for _, op := range sortedKeys(n.operations) {
			fmt.Fprintf(&b, "nodegate_requests_by_operation_total{node=%q,operation=%q} %d\n", name, op, n.operations[op])
		}
		n.mu.Unlock()
	}
	b.WriteString("\n")

	b.WriteString("# HELP nodegate_errors_by_kind_total Failed dispatches per error kind\n")
	b.WriteString("# TYPE nodegate_errors_by_kind_total counter\n")
	for _, name := range names {
		n := nodes[name]
		n.mu.Lock()
		for _, kind := range sortedKeys(n.errorKinds) {
			fmt.Fprintf(&b, "nodegate_errors_by_kind_total{node=%q,kind=%q} %d\n", name, kind, n.errorKinds[kind])
		}
		n.mu.Unlock()
	}
	b.WriteString("\n")

	b.WriteString("# HELP nodegate_request_duration_milliseconds Dispatch duration in milliseconds\n")
	b.WriteString("# TYPE nodegate_request_duration_milliseconds histogram\n")
	for _, name := range names {
		n := nodes[name]
		var cumulative int64
		for i, bucket := range durationBuckets {
			cumulative += n.buckets[i].Load()
			fmt.Fprintf(&b, "nodegate_request_duration_milliseconds_bucket{node=%q,le=\"%.0f\"} %d\n", name, bucket, cumulative)
		}
		fmt.Fprintf(&b, "nodegate_request_duration_milliseconds_bucket{node=%q,le=\"+Inf\"} %d\n", name, n.requests.Load())
		fmt.Fprintf(&b, "nodegate_request_duration_milliseconds_sum{node=%q} %.3f\n", name, float64(n.durationSum.Load())/1000)
		fmt.Fprintf(&b, "nodegate_request_duration_milliseconds_count{node=%q} %d\n", name, n.requests.Load())
	}
	b.WriteString("\n")

	b.WriteString("# HELP nodegate_uptime_seconds Uptime in seconds\n")
	b.WriteString("# TYPE nodegate_uptime_seconds counter\n")
	fmt.Fprintf(&b, "nodegate_uptime_seconds %.0f\n", time.Since(c.startTime).Seconds())
	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
