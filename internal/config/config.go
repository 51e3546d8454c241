package config

import (
	"fmt"
	"math"
	"net/url"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Node kinds.
const (
	KindHTTP = "http"
	KindSQL  = "sql"
)

// Authentication types.
const (
	AuthNone          = "none"
	AuthBasic         = "basic_auth"
	AuthBearer        = "bearer_token"
	AuthLegacy        = "legacy"
	AuthAPIKey        = "api_key"
	AuthOAuth2Refresh = "oauth2_refresh"
)

// File is the top-level node configuration file.
type File struct {
	Nodes []NodeConfig `json:"nodes" yaml:"nodes"`
}

// NodeConfig holds the connection and runtime settings of one node instance.
// A node is loaded once and swapped wholesale when it changes.
type NodeConfig struct {
	Name           string                `json:"name" yaml:"name"`
	Kind           string                `json:"kind,omitempty" yaml:"kind,omitempty"`
	Catalog        string                `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	CatalogFile    string                `json:"catalog_file,omitempty" yaml:"catalog_file,omitempty"`
	OpenAPIFile    string                `json:"openapi_file,omitempty" yaml:"openapi_file,omitempty"`
	BaseURL        string                `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Authentication *AuthConfig           `json:"authentication,omitempty" yaml:"authentication,omitempty"`
	Headers        map[string]string     `json:"headers,omitempty" yaml:"headers,omitempty"`
	Retry          *RetryConfig          `json:"retry_config,omitempty" yaml:"retry_config,omitempty"`
	RateLimit      *RateLimitConfig      `json:"rate_limiting,omitempty" yaml:"rate_limiting,omitempty"`
	Cache          *CacheConfig          `json:"caching,omitempty" yaml:"caching,omitempty"`
	Timeouts       *TimeoutConfig        `json:"timeouts,omitempty" yaml:"timeouts,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
	Filter         *OperationFilter      `json:"filter,omitempty" yaml:"filter,omitempty"`
	EnvParams      map[string]string     `json:"env_params,omitempty" yaml:"env_params,omitempty"` // ENV_KEY -> param name
	SQL            *SQLConfig            `json:"sql,omitempty" yaml:"sql,omitempty"`
}

// AuthConfig selects a credential scheme and names the parameters that carry
// the credential values. Credentials holds static fallbacks keyed by param.
type AuthConfig struct {
	Type              string            `json:"type" yaml:"type"`
	HeaderName        string            `json:"header_name,omitempty" yaml:"header_name,omitempty"`
	UserParam         string            `json:"user_param,omitempty" yaml:"user_param,omitempty"`
	KeyParam          string            `json:"key_param,omitempty" yaml:"key_param,omitempty"`
	TokenParam        string            `json:"token_param,omitempty" yaml:"token_param,omitempty"`
	EmailParam        string            `json:"email_param,omitempty" yaml:"email_param,omitempty"`
	EmailHeader       string            `json:"email_header,omitempty" yaml:"email_header,omitempty"`
	KeyHeader         string            `json:"key_header,omitempty" yaml:"key_header,omitempty"`
	ClientIDParam     string            `json:"client_id_param,omitempty" yaml:"client_id_param,omitempty"`
	ClientSecretParam string            `json:"client_secret_param,omitempty" yaml:"client_secret_param,omitempty"`
	RefreshTokenParam string            `json:"refresh_token_param,omitempty" yaml:"refresh_token_param,omitempty"`
	TokenURL          string            `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	Credentials       map[string]string `json:"credentials,omitempty" yaml:"credentials,omitempty"`
}

// RetryConfig mirrors the declared retry_config of a node. Delays are seconds.
type RetryConfig struct {
	MaxAttempts         int      `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Backoff             string   `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	BaseDelay           float64  `json:"base_delay,omitempty" yaml:"base_delay,omitempty"`
	MaxDelay            float64  `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter              *bool    `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetriableCodes      []int    `json:"retriable_codes,omitempty" yaml:"retriable_codes,omitempty"`
	RetriableExceptions []string `json:"retriable_exceptions,omitempty" yaml:"retriable_exceptions,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerMinute int     `json:"requests_per_minute,omitempty" yaml:"requests_per_minute,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty" yaml:"requests_per_second,omitempty"`
	BurstSize         int     `json:"burst_size,omitempty" yaml:"burst_size,omitempty"`
	CostPerRequest    int     `json:"cost_per_request,omitempty" yaml:"cost_per_request,omitempty"`
	Blocking          *bool   `json:"blocking,omitempty" yaml:"blocking,omitempty"`
}

type CacheConfig struct {
	Enabled         *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	KeyTemplate     string          `json:"cache_key_template,omitempty" yaml:"cache_key_template,omitempty"`
	ExcludeParams   []string        `json:"exclude_params,omitempty" yaml:"exclude_params,omitempty"`
	CacheConditions CacheConditions `json:"cache_conditions,omitempty" yaml:"cache_conditions,omitempty"`
	MaxEntries      int             `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

type CacheConditions struct {
	OnlyFor []string `json:"only_for,omitempty" yaml:"only_for,omitempty"`
}

// TimeoutConfig values are seconds; Total bounds the whole dispatch including retries.
type TimeoutConfig struct {
	Connect float64 `json:"connect,omitempty" yaml:"connect,omitempty"`
	Read    float64 `json:"read,omitempty" yaml:"read,omitempty"`
	Total   float64 `json:"total,omitempty" yaml:"total,omitempty"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int     `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty"`
	Cooldown         float64 `json:"cooldown,omitempty" yaml:"cooldown,omitempty"`
}

// SQLConfig describes a database-backed node's connection pool.
type SQLConfig struct {
	Driver          string  `json:"driver" yaml:"driver"`
	DSN             string  `json:"dsn" yaml:"dsn"`
	MaxOpenConns    int     `json:"max_open_conns,omitempty" yaml:"max_open_conns,omitempty"`
	MaxIdleConns    int     `json:"max_idle_conns,omitempty" yaml:"max_idle_conns,omitempty"`
	ConnMaxLifetime float64 `json:"conn_max_lifetime,omitempty" yaml:"conn_max_lifetime,omitempty"`
	ConnectTimeout  float64 `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

type OperationFilter struct {
	Mode       string             `json:"mode" yaml:"mode"`             // "allowlist" or "blocklist"
	Operations []OperationPattern `json:"operations" yaml:"operations"` // List of patterns
}

type OperationPattern struct {
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`     // glob over operation names, e.g. "list_*"
	Method string `json:"method,omitempty" yaml:"method,omitempty"` // HTTP method or "*"
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`     // glob over endpoint templates
}

// Seconds converts a float seconds value into a Duration.
func Seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func boolPtr(v bool) *bool { return &v }

// IsTrue dereferences an optional flag.
func IsTrue(v *bool) bool { return v != nil && *v }

// Merge fills the unset sections of n from defaults (a vendor table's
// built-in config). Headers and env params are merged key by key; sections
// are copied so ApplyDefaults never writes through to the vendor table.
func (n NodeConfig) Merge(defaults NodeConfig) NodeConfig {
	out := n
	if out.Kind == "" {
		out.Kind = defaults.Kind
	}
	if out.BaseURL == "" {
		out.BaseURL = defaults.BaseURL
	}
	if out.Authentication == nil && defaults.Authentication != nil {
		auth := *defaults.Authentication
		out.Authentication = &auth
	}
	if len(defaults.Headers) > 0 {
		headers := map[string]string{}
		for k, v := range defaults.Headers {
			headers[k] = v
		}
		for k, v := range n.Headers {
			headers[k] = v
		}
		out.Headers = headers
	}
	if out.Retry == nil && defaults.Retry != nil {
		v := *defaults.Retry
		out.Retry = &v
	}
	if out.RateLimit == nil && defaults.RateLimit != nil {
		v := *defaults.RateLimit
		out.RateLimit = &v
	}
	if out.Cache == nil && defaults.Cache != nil {
		v := *defaults.Cache
		out.Cache = &v
	}
	if out.Timeouts == nil && defaults.Timeouts != nil {
		v := *defaults.Timeouts
		out.Timeouts = &v
	}
	if out.CircuitBreaker == nil && defaults.CircuitBreaker != nil {
		v := *defaults.CircuitBreaker
		out.CircuitBreaker = &v
	}
	if len(defaults.EnvParams) > 0 {
		envParams := map[string]string{}
		for k, v := range defaults.EnvParams {
			envParams[k] = v
		}
		for k, v := range n.EnvParams {
			envParams[k] = v
		}
		out.EnvParams = envParams
	}
	return out
}

// ApplyDefaults fills every section a node needs at runtime.
func (n *NodeConfig) ApplyDefaults() {
	if n.Kind == "" {
		n.Kind = KindHTTP
	}
	if n.Kind == KindSQL {
		if n.SQL != nil {
			if n.SQL.MaxOpenConns == 0 {
				n.SQL.MaxOpenConns = 10
			}
			if n.SQL.MaxIdleConns == 0 {
				n.SQL.MaxIdleConns = 2
			}
			if n.SQL.ConnectTimeout == 0 {
				n.SQL.ConnectTimeout = 10
			}
		}
		if n.Timeouts == nil {
			n.Timeouts = &TimeoutConfig{Total: 30}
		}
		return
	}
	if n.Authentication == nil {
		n.Authentication = &AuthConfig{Type: AuthNone}
	}
	if n.Retry == nil {
		n.Retry = &RetryConfig{}
	}
	r := n.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	if r.Backoff == "" {
		r.Backoff = "exponential_jitter"
	}
	if r.BaseDelay == 0 {
		r.BaseDelay = 1
	}
	if r.MaxDelay == 0 {
		r.MaxDelay = 30
	}
	if r.Jitter == nil {
		r.Jitter = boolPtr(r.Backoff == "exponential_jitter")
	}
	if r.RetriableCodes == nil {
		r.RetriableCodes = []int{429, 500, 502, 503, 504}
	}
	if r.RetriableExceptions == nil {
		r.RetriableExceptions = []string{"timeout", "connection"}
	}

	if n.RateLimit == nil {
		n.RateLimit = &RateLimitConfig{}
	}
	rl := n.RateLimit
	if rl.BurstSize == 0 && rl.RequestsPerSecond > 0 {
		rl.BurstSize = int(math.Max(1, math.Ceil(rl.RequestsPerSecond)))
	}
	if rl.CostPerRequest == 0 {
		rl.CostPerRequest = 1
	}
	if rl.Blocking == nil {
		rl.Blocking = boolPtr(true)
	}

	if n.Cache == nil {
		n.Cache = &CacheConfig{}
	}
	c := n.Cache
	if c.Enabled == nil {
		c.Enabled = boolPtr(true)
	}
	if c.KeyTemplate == "" {
		c.KeyTemplate = "{operation}:{hash}"
	}
	if c.ExcludeParams == nil {
		c.ExcludeParams = []string{"timestamp", "minDate", "maxDate"}
	}
	if len(c.CacheConditions.OnlyFor) == 0 {
		c.CacheConditions.OnlyFor = []string{"GET"}
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 1024
	}

	if n.Timeouts == nil {
		n.Timeouts = &TimeoutConfig{}
	}
	if n.Timeouts.Connect == 0 {
		n.Timeouts.Connect = 10
	}
	if n.Timeouts.Read == 0 {
		n.Timeouts.Read = 30
	}
	if n.Timeouts.Total == 0 {
		n.Timeouts.Total = 60
	}
}

// Validate checks a node after defaults have been applied.
func (n *NodeConfig) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch n.Kind {
	case KindHTTP:
		if n.BaseURL == "" {
			return fmt.Errorf("base_url is required")
		}
		u, err := url.Parse(n.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("base_url must be an absolute URL, got %q", n.BaseURL)
		}
		if n.Catalog == "" && n.CatalogFile == "" && n.OpenAPIFile == "" {
			return fmt.Errorf("one of catalog, catalog_file or openapi_file is required")
		}
		if n.Authentication != nil {
			if err := n.Authentication.Validate(); err != nil {
				return err
			}
		}
		if n.Retry != nil {
			if n.Retry.MaxAttempts < 1 {
				return fmt.Errorf("retry_config.max_attempts must be >= 1")
			}
			if n.Retry.BaseDelay < 0 || n.Retry.MaxDelay < 0 {
				return fmt.Errorf("retry_config delays must be >= 0")
			}
			switch n.Retry.Backoff {
			case "", "exponential", "exponential_jitter", "constant":
			default:
				return fmt.Errorf("retry_config.backoff must be exponential, exponential_jitter or constant, got %q", n.Retry.Backoff)
			}
			if n.Retry.MaxDelay < n.Retry.BaseDelay {
				return fmt.Errorf("retry_config.max_delay must be >= base_delay")
			}
			for _, exc := range n.Retry.RetriableExceptions {
				if exc != "timeout" && exc != "connection" {
					return fmt.Errorf("retry_config.retriable_exceptions: unsupported class %q", exc)
				}
			}
		}
		if n.RateLimit != nil {
			if n.RateLimit.RequestsPerMinute < 0 || n.RateLimit.RequestsPerSecond < 0 || n.RateLimit.BurstSize < 0 {
				return fmt.Errorf("rate_limiting values must be >= 0")
			}
			if n.RateLimit.CostPerRequest < 0 {
				return fmt.Errorf("rate_limiting.cost_per_request must be >= 0")
			}
		}
		if n.Cache != nil && n.Cache.MaxEntries < 0 {
			return fmt.Errorf("caching.max_entries must be >= 0")
		}
		if n.Cache != nil && n.Cache.KeyTemplate != "" && !strings.Contains(n.Cache.KeyTemplate, "{hash}") {
			return fmt.Errorf("caching.cache_key_template must contain {hash}")
		}
	case KindSQL:
		if n.SQL == nil {
			return fmt.Errorf("sql section is required for sql nodes")
		}
		if n.SQL.Driver == "" || n.SQL.DSN == "" {
			return fmt.Errorf("sql.driver and sql.dsn are required")
		}
		switch n.SQL.Driver {
		case "postgres", "sqlite":
		default:
			return fmt.Errorf("sql.driver must be postgres or sqlite, got %q", n.SQL.Driver)
		}
	default:
		return fmt.Errorf("unsupported kind %q", n.Kind)
	}
	if n.Filter != nil {
		if err := n.Filter.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuthConfig) Validate() error {
	switch a.Type {
	case "", AuthNone:
	case AuthBasic:
		if a.UserParam == "" || a.KeyParam == "" {
			return fmt.Errorf("authentication.user_param and authentication.key_param are required for basic_auth")
		}
	case AuthBearer:
		if a.TokenParam == "" {
			return fmt.Errorf("authentication.token_param is required for bearer_token")
		}
	case AuthLegacy:
		if a.EmailParam == "" || a.KeyParam == "" {
			return fmt.Errorf("authentication.email_param and authentication.key_param are required for legacy")
		}
	case AuthAPIKey:
		if a.HeaderName == "" || a.KeyParam == "" {
			return fmt.Errorf("authentication.header_name and authentication.key_param are required for api_key")
		}
	case AuthOAuth2Refresh:
		if a.ClientIDParam == "" || a.RefreshTokenParam == "" || a.TokenURL == "" {
			return fmt.Errorf("authentication.client_id_param, refresh_token_param and token_url are required for oauth2_refresh")
		}
	default:
		return fmt.Errorf("unsupported authentication.type %q", a.Type)
	}
	return nil
}

// Params returns the parameter names that carry credentials for this scheme.
// They are consumed by the credential injector and never sent as query or body.
func (a *AuthConfig) Params() []string {
	if a == nil {
		return nil
	}
	var out []string
	for _, p := range []string{a.UserParam, a.KeyParam, a.TokenParam, a.EmailParam, a.ClientIDParam, a.ClientSecretParam, a.RefreshTokenParam} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (f *OperationFilter) Validate() error {
	mode := strings.ToLower(f.Mode)
	if mode != "allowlist" && mode != "blocklist" {
		return fmt.Errorf("filter.mode must be 'allowlist' or 'blocklist', got %q", f.Mode)
	}
	if len(f.Operations) == 0 {
		return fmt.Errorf("filter.operations cannot be empty")
	}
	for j, op := range f.Operations {
		if op.Name == "" && op.Method == "" && op.Path == "" {
			return fmt.Errorf("filter.operations[%d]: at least one of name, method, or path is required", j)
		}
		if strings.Contains(op.Name, "***") || strings.Contains(op.Path, "***") {
			return fmt.Errorf("filter.operations[%d]: invalid glob pattern: too many consecutive asterisks", j)
		}
	}
	return nil
}

// Secrets lists the credential values that must never appear in logs.
func (n *NodeConfig) Secrets() []string {
	var secrets []string
	if n.Authentication != nil {
		keys := make([]string, 0, len(n.Authentication.Credentials))
		for k := range n.Authentication.Credentials {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if v := n.Authentication.Credentials[k]; v != "" {
				secrets = append(secrets, v)
			}
		}
	}
	if n.SQL != nil && n.SQL.DSN != "" {
		if u, err := url.Parse(n.SQL.DSN); err == nil && u.User != nil {
			if pw, ok := u.User.Password(); ok && pw != "" {
				secrets = append(secrets, pw)
			}
		}
	}
	return secrets
}

// ConnectionChanged reports whether switching from n to other requires new
// connections or credentials rather than just new runtime tuning.
func (n *NodeConfig) ConnectionChanged(other *NodeConfig) bool {
	if n.BaseURL != other.BaseURL {
		return true
	}
	if !reflect.DeepEqual(n.Authentication, other.Authentication) {
		return true
	}
	return !reflect.DeepEqual(n.SQL, other.SQL)
}

// Secrets collects secrets across every node of a file.
func (f *File) Secrets() []string {
	var out []string
	for i := range f.Nodes {
		out = append(out, f.Nodes[i].Secrets()...)
	}
	return out
}

// checkNames rejects unnamed and duplicate nodes. Full validation happens per
// node once vendor defaults have been merged in.
func (f *File) checkNames() error {
	seen := map[string]struct{}{}
	for i := range f.Nodes {
		name := f.Nodes[i].Name
		if name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("nodes[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
