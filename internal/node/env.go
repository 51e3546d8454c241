package node

import (
	"log/slog"
	"os"

	"nodegate/internal/catalog"
	"nodegate/internal/config"
	"nodegate/internal/params"
)

// EnvResolver fills credential params from the process environment. A node
// maps environment keys to param names through env_params; operations name
// the keys they need in required_env_keys and optional_env_keys.
type EnvResolver struct {
	lookup func(string) (string, bool)
	logger *slog.Logger
}

// NewEnvResolver creates a resolver. A nil lookup reads the real environment.
func NewEnvResolver(lookup func(string) (string, bool), logger *slog.Logger) *EnvResolver {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvResolver{lookup: lookup, logger: logger}
}

// Resolve returns p with the env params of op added. Params the caller set
// and params covered by static credentials are left alone. A missing
// required key is logged and the param stays absent so the dispatcher
// reports it as an auth or validation error. p itself is never modified.
func (e *EnvResolver) Resolve(cfg *config.NodeConfig, op *catalog.OperationSpec, p params.Map) params.Map {
	if len(cfg.EnvParams) == 0 {
		return p
	}
	var static map[string]string
	if cfg.Authentication != nil {
		static = cfg.Authentication.Credentials
	}

	out, cloned := p, false
	for _, key := range envKeys(cfg, op) {
		name, mapped := cfg.EnvParams[key.name]
		if !mapped {
			if key.required {
				e.logger.Warn("required env key has no env_params mapping", "component", "env", "operation", op.Name, "env_key", key.name)
			}
			continue
		}
		if p.Present(name) || static[name] != "" {
			continue
		}
		value, ok := e.lookup(key.name)
		if !ok || value == "" {
			if key.required {
				e.logger.Warn("required env key not set", "component", "env", "operation", op.Name, "env_key", key.name, "param", name)
			}
			continue
		}
		if !cloned {
			out, cloned = p.Clone(), true
		}
		out[name] = params.StringValue(value)
	}
	return out
}

type envKey struct {
	name     string
	required bool
}

// envKeys lists the keys op declares, or every mapped key when it declares
// none.
func envKeys(cfg *config.NodeConfig, op *catalog.OperationSpec) []envKey {
	var keys []envKey
	for _, k := range op.RequiredEnvKeys {
		keys = append(keys, envKey{name: k, required: true})
	}
	for _, k := range op.OptionalEnvKeys {
		keys = append(keys, envKey{name: k})
	}
	if len(keys) > 0 {
		return keys
	}
	for _, k := range sortedKeys(cfg.EnvParams) {
		keys = append(keys, envKey{name: k})
	}
	return keys
}
