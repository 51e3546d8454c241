// Package cache holds successful upstream responses for GET-like operations.
// Entries carry their own expiry and are dropped lazily on read; the map is
// bounded by an LRU so a busy node cannot grow it without limit.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"nodegate/internal/config"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
)

// DefaultMaxEntries is used when caching.max_entries is unset.
const DefaultMaxEntries = 1024

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is an in-process response cache owned by one node.
type Cache struct {
	entries *lru.Cache[string, entry]
	group   singleflight.Group

	// mu orders Put against the removal of expired entries.
	mu sync.Mutex

	// nowFunc allows tests to inject a fake clock.
	nowFunc func() time.Time
}

// New creates a cache holding at most maxEntries responses.
func New(maxEntries int) (*Cache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	entries, err := lru.New[string, entry](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Cache{entries: entries, nowFunc: time.Now}, nil
}

// Get returns the cached value for key. Expired entries count as misses and
// are removed.
func (c *Cache) Get(key string) (any, bool) {
	e, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if !c.nowFunc().Before(e.expiresAt) {
		c.removeExpired(key)
		return nil, false
	}
	return e.value, true
}

// removeExpired drops key only while it still holds an expired entry, so a
// fresh value stored concurrently by Put survives.
func (c *Cache) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries.Peek(key); ok && !c.nowFunc().Before(e.expiresAt) {
		c.entries.Remove(key)
	}
}

// Put stores value until ttl elapses. A non-positive ttl stores nothing.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries.Add(key, entry{value: value, expiresAt: c.nowFunc().Add(ttl)})
	c.mu.Unlock()
}

func (c *Cache) Invalidate(key string) {
	c.entries.Remove(key)
}

func (c *Cache) Purge() {
	c.entries.Purge()
}

// Len counts stored entries, including expired ones not yet read.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Load returns the cached value for key, or waits for the single fetch that
// runs for all concurrent callers missing the same key and stores its result.
// The fetch gets a context detached from ctx, so one caller giving up does
// not fail the others; each caller stops waiting when its own ctx is done.
// hit reports whether the value came from the cache rather than from a fetch.
func (c *Cache) Load(ctx context.Context, key string, ttl time.Duration, fetch func(context.Context) (any, error)) (value any, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		c.Put(key, v, ttl)
		return v, nil
	})
	select {
	case res := <-ch:
		return res.Val, false, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Policy decides which invocations of a node are cacheable and under which key.
type Policy struct {
	enabled  bool
	template string
	exclude  []string
	only     map[string]bool
}

// NewPolicy builds a key policy from a node's caching section.
func NewPolicy(cfg config.CacheConfig) *Policy {
	p := &Policy{
		enabled:  cfg.Enabled == nil || *cfg.Enabled,
		template: cfg.KeyTemplate,
		exclude:  cfg.ExcludeParams,
		only:     map[string]bool{},
	}
	if p.template == "" {
		p.template = "{operation}:{hash}"
	}
	only := cfg.CacheConditions.OnlyFor
	if len(only) == 0 {
		only = []string{"GET"}
	}
	for _, m := range only {
		p.only[strings.ToUpper(m)] = true
	}
	return p
}

// Eligible reports whether a response for method with the given ttl may be cached.
func (p *Policy) Eligible(method string, ttl time.Duration) bool {
	return p.enabled && ttl > 0 && p.only[strings.ToUpper(method)]
}

// Key derives the cache key for an invocation. The hash is the first 16 hex
// characters of SHA-256 over the sorted JSON of params, with excluded params
// and the operation selector removed.
func (p *Policy) Key(operation string, in params.Map) (string, error) {
	hashed := in.Without(append([]string{params.OperationKey}, p.exclude...)...)
	// encoding/json sorts map keys, which makes the encoding canonical.
	data, err := json.Marshal(hashed)
	if err != nil {
		return "", &nodeerr.CacheError{Op: "key", Err: err}
	}
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])[:16]

	key := strings.ReplaceAll(p.template, "{operation}", operation)
	key = strings.ReplaceAll(key, "{hash}", hash)
	return key, nil
}
