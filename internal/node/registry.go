package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"nodegate/internal/config"
	"nodegate/internal/metrics"
	"nodegate/internal/redact"
)

type entry struct {
	node       *Node
	configHash string
}

// Registry holds the nodes of one config file by name.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	applyMu sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry. The redactor and metrics
// collector in opts are shared by every node.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Redactor == nil {
		opts.Redactor = redact.NewRedactor()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	return &Registry{
		opts:    opts,
		logger:  opts.Logger.With("component", "registry"),
		entries: make(map[string]*entry),
	}
}

// configHash identifies a node config for change detection.
func configHash(cfg config.NodeConfig) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h)
}

// Apply makes the registry match f: new nodes are built, changed ones
// updated and missing ones closed. Unchanged nodes are left alone. A node
// that fails to build or update is reported and, if it existed, keeps its
// previous config; the other nodes are still applied.
func (r *Registry) Apply(ctx context.Context, f *config.File) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	var known []string
	for i := range f.Nodes {
		known = append(known, r.secrets(&f.Nodes[i])...)
	}
	r.opts.Redactor.AddSecrets(known)

	var errs []error
	seen := make(map[string]bool, len(f.Nodes))
	for _, cfg := range f.Nodes {
		seen[cfg.Name] = true
		hash := configHash(cfg)

		r.mu.RLock()
		e, ok := r.entries[cfg.Name]
		r.mu.RUnlock()

		switch {
		case !ok:
			n, err := Build(ctx, cfg, r.opts)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			merged := n.Config()
			r.opts.Redactor.AddSecrets(r.secrets(&merged))
			r.mu.Lock()
			r.entries[cfg.Name] = &entry{node: n, configHash: hash}
			r.mu.Unlock()
			r.logger.Info("node added", "node", cfg.Name, "kind", n.Config().Kind)
		case e.configHash != hash:
			if err := e.node.Update(ctx, cfg); err != nil {
				errs = append(errs, err)
				continue
			}
			merged := e.node.Config()
			r.opts.Redactor.AddSecrets(r.secrets(&merged))
			r.mu.Lock()
			e.configHash = hash
			r.mu.Unlock()
		}
	}

	r.mu.Lock()
	var removed []*Node
	for name, e := range r.entries {
		if !seen[name] {
			removed = append(removed, e.node)
			delete(r.entries, name)
		}
	}
	current := make([]*Node, 0, len(r.entries))
	for _, e := range r.entries {
		current = append(current, e.node)
	}
	r.mu.Unlock()

	// Secrets of removed nodes are dropped; kept nodes contribute their
	// merged config, which includes env_params from the vendor catalog.
	var secrets []string
	for _, n := range current {
		cfg := n.Config()
		secrets = append(secrets, r.secrets(&cfg)...)
	}
	r.opts.Redactor.Set(secrets)

	for _, n := range removed {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: close: %w", n.Name(), err))
		}
		r.opts.Metrics.Forget(n.Name())
		r.logger.Info("node removed", "node", n.Name())
	}
	return errors.Join(errs...)
}

// secrets returns the static credentials of cfg and the values of the env
// keys it maps to params.
func (r *Registry) secrets(cfg *config.NodeConfig) []string {
	lookup := NewEnvResolver(r.opts.LookupEnv, r.logger).lookup
	out := cfg.Secrets()
	for _, key := range sortedKeys(cfg.EnvParams) {
		if v, ok := lookup(key); ok && v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Get returns the node with the given name.
func (r *Registry) Get(name string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.node, true
}

// Names returns the sorted node names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (r *Registry) Metrics() *metrics.Collector { return r.opts.Metrics }

// Close closes every node.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, e := range r.entries {
		if err := e.node.Close(); err != nil {
			errs = append(errs, fmt.Errorf("node %s: close: %w", name, err))
		}
		delete(r.entries, name)
	}
	return errors.Join(errs...)
}
