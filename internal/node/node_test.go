package node

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"nodegate/internal/catalog"
	"nodegate/internal/config"
	"nodegate/internal/logging"
	"nodegate/internal/metrics"
	"nodegate/internal/nodeerr"
	"nodegate/internal/params"
	"nodegate/internal/redact"
)

const zoneID = "023e105f4ecef8ad9ca31a8372d0c353"

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int64
	auth  atomic.Value
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.auth.Store(r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"result":{"id":"` + zoneID + `","name":"example.com"}}`))
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) lastAuth() string {
	s, _ := u.auth.Load().(string)
	return s
}

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func cloudflareConfig(baseURL string) config.NodeConfig {
	return config.NodeConfig{
		Name:    "cf",
		Catalog: "cloudflare",
		BaseURL: baseURL,
		Retry:   &config.RetryConfig{MaxAttempts: 2, BaseDelay: 0.001, MaxDelay: 0.002},
	}
}

func getZone(extra params.Map) Data {
	p := params.Map{
		"operation": params.StringValue("get_zone"),
		"zone_id":   params.StringValue(zoneID),
	}
	for k, v := range extra {
		p[k] = v
	}
	return Data{Params: p}
}

func TestExecuteResolvesEnvCredential(t *testing.T) {
	up := newUpstream(t)
	n, err := Build(context.Background(), cloudflareConfig(up.srv.URL), Options{
		Logger:    logging.Discard(),
		LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "env-token-abc"}),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	res := n.Execute(context.Background(), getZone(nil))
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := up.lastAuth(); got != "Bearer env-token-abc" {
		t.Fatalf("expected env token, got %q", got)
	}
	if m := n.GetMetrics(); m.RequestCount != 1 || m.SuccessRate != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestCallerParamWinsOverEnv(t *testing.T) {
	up := newUpstream(t)
	n, err := Build(context.Background(), cloudflareConfig(up.srv.URL), Options{
		Logger:    logging.Discard(),
		LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "env-token-abc"}),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := n.Execute(context.Background(), getZone(params.Map{"api_token": params.StringValue("caller-token")}))
	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if got := up.lastAuth(); got != "Bearer caller-token" {
		t.Fatalf("expected caller token, got %q", got)
	}
}

func TestMissingEnvKeyIsAuthError(t *testing.T) {
	up := newUpstream(t)
	n, err := Build(context.Background(), cloudflareConfig(up.srv.URL), Options{
		Logger:    logging.Discard(),
		LookupEnv: envMap(nil),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	res := n.Execute(context.Background(), getZone(nil))
	if res.ErrorKind != string(nodeerr.KindAuth) {
		t.Fatalf("expected auth error, got %+v", res)
	}
	if up.calls.Load() != 0 {
		t.Fatalf("expected no upstream call, got %d", up.calls.Load())
	}
}

func TestEnvResolver(t *testing.T) {
	cfg := &config.NodeConfig{
		EnvParams: map[string]string{"TOKEN": "api_token", "ACCOUNT": "account_id"},
		Authentication: &config.AuthConfig{
			Credentials: map[string]string{"account_id": "static-account"},
		},
	}
	env := envMap(map[string]string{"TOKEN": "tok-1", "ACCOUNT": "acc-1"})
	r := NewEnvResolver(env, logging.Discard())

	tests := []struct {
		name string
		op   *catalog.OperationSpec
		in   params.Map
		want map[string]string
	}{
		{
			name: "declared key",
			op:   &catalog.OperationSpec{Name: "a", RequiredEnvKeys: []string{"TOKEN"}},
			in:   params.Map{},
			want: map[string]string{"api_token": "tok-1"},
		},
		{
			name: "undeclared uses every mapping except static credentials",
			op:   &catalog.OperationSpec{Name: "b"},
			in:   params.Map{},
			want: map[string]string{"api_token": "tok-1"},
		},
		{
			name: "caller value kept",
			op:   &catalog.OperationSpec{Name: "c", OptionalEnvKeys: []string{"TOKEN"}},
			in:   params.Map{"api_token": params.StringValue("mine")},
			want: map[string]string{"api_token": "mine"},
		},
		{
			name: "unmapped key ignored",
			op:   &catalog.OperationSpec{Name: "d", RequiredEnvKeys: []string{"OTHER"}},
			in:   params.Map{},
			want: map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := len(tt.in)
			out := r.Resolve(cfg, tt.op, tt.in)
			if len(tt.in) != before {
				t.Fatal("input params were modified")
			}
			if len(out) != len(tt.want) {
				t.Fatalf("expected %d params, got %v", len(tt.want), out.Any())
			}
			for k, v := range tt.want {
				if out.Text(k) != v {
					t.Fatalf("expected %s=%q, got %q", k, v, out.Text(k))
				}
			}
		})
	}
}

func TestUpdateCarriesCacheOverTuningChanges(t *testing.T) {
	up := newUpstream(t)
	ctx := context.Background()
	cfg := cloudflareConfig(up.srv.URL)
	n, err := Build(ctx, cfg, Options{Logger: logging.Discard(), LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "tok-12345"})})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res := n.Execute(ctx, getZone(nil)); !res.OK() || res.FromCache {
		t.Fatalf("expected fresh success, got %+v", res)
	}

	cfg.Retry = &config.RetryConfig{MaxAttempts: 1, BaseDelay: 0.001, MaxDelay: 0.001}
	if err := n.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n.Config().Retry.MaxAttempts != 1 {
		t.Fatalf("expected new retry config, got %+v", n.Config().Retry)
	}
	if res := n.Execute(ctx, getZone(nil)); !res.FromCache {
		t.Fatalf("expected cache to survive a retry change, got %+v", res)
	}

	cfg.Headers = map[string]string{"X-Trace": "1"}
	cfg.BaseURL = up.srv.URL + "/"
	if err := n.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if res := n.Execute(ctx, getZone(nil)); res.FromCache {
		t.Fatalf("expected a new base_url to drop the cache, got %+v", res)
	}
	if up.calls.Load() != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", up.calls.Load())
	}
}

func TestUpdateFailureKeepsCurrentConfig(t *testing.T) {
	up := newUpstream(t)
	ctx := context.Background()
	cfg := cloudflareConfig(up.srv.URL)
	n, err := Build(ctx, cfg, Options{Logger: logging.Discard(), LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "tok-12345"})})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	bad := cfg
	bad.Retry = &config.RetryConfig{MaxAttempts: 2, BaseDelay: 5, MaxDelay: 1}
	if err := n.Update(ctx, bad); err == nil {
		t.Fatal("expected invalid retry config to be rejected")
	}
	if n.Config().Retry.MaxAttempts != 2 || n.Config().Retry.BaseDelay != 0.001 {
		t.Fatalf("expected previous config to stay, got %+v", n.Config().Retry)
	}
	if res := n.Execute(ctx, getZone(nil)); !res.OK() {
		t.Fatalf("expected node to keep serving, got %+v", res)
	}

	renamed := cfg
	renamed.Name = "other"
	if err := n.Update(ctx, renamed); err == nil {
		t.Fatal("expected rename to be rejected")
	}
}

func TestStats(t *testing.T) {
	up := newUpstream(t)
	cfg := cloudflareConfig(up.srv.URL)
	cfg.CircuitBreaker = &config.CircuitBreakerConfig{FailureThreshold: 3, Cooldown: 10}
	n, err := Build(context.Background(), cfg, Options{Logger: logging.Discard(), LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "tok-12345"})})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	n.Execute(context.Background(), getZone(nil))

	s := n.Stats()
	if s.Kind != config.KindHTTP || s.CacheEntries != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.CircuitBreaker == nil || s.CircuitBreaker.State != "closed" {
		t.Fatalf("expected closed breaker stats, got %+v", s.CircuitBreaker)
	}
	if s.RateLimiter == nil || s.RateLimiter.Burst != 10 {
		t.Fatalf("expected vendor limiter stats, got %+v", s.RateLimiter)
	}
}

func sqlConfig(dsn string) config.NodeConfig {
	return config.NodeConfig{
		Name: "db",
		Kind: config.KindSQL,
		SQL:  &config.SQLConfig{Driver: "sqlite", DSN: dsn},
	}
}

func TestSQLPoolSwap(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := sqlConfig(filepath.Join(dir, "a.db"))
	n, err := Build(ctx, cfg, Options{Logger: logging.Discard()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	first := n.current.Load().sql.DB()

	cfg.Timeouts = &config.TimeoutConfig{Total: 5}
	if err := n.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n.current.Load().sql.DB() != first {
		t.Fatal("expected the pool to survive a timeout change")
	}

	cfg.SQL = &config.SQLConfig{Driver: "sqlite", DSN: filepath.Join(dir, "b.db")}
	if err := n.Update(ctx, cfg); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if n.current.Load().sql.DB() == first {
		t.Fatal("expected a new pool for a new dsn")
	}
	if err := first.PingContext(ctx); err == nil {
		t.Fatal("expected the old pool to be closed")
	}

	res := n.Execute(ctx, Data{Params: params.Map{
		"operation": params.StringValue("query_one"),
		"sql":       params.StringValue("SELECT 1 AS one"),
	}})
	if !res.OK() {
		t.Fatalf("expected query through the new pool, got %+v", res)
	}
}

func TestRegistryApply(t *testing.T) {
	up := newUpstream(t)
	ctx := context.Background()
	m := metrics.NewCollector()
	red := redact.NewRedactor()
	r := NewRegistry(Options{
		Logger:    logging.Discard(),
		Metrics:   m,
		Redactor:  red,
		LookupEnv: envMap(map[string]string{"CLOUDFLARE_API_TOKEN": "env-secret-token"}),
	})
	t.Cleanup(func() { _ = r.Close() })

	cf := cloudflareConfig(up.srv.URL)
	db := sqlConfig(filepath.Join(t.TempDir(), "r.db"))
	if err := r.Apply(ctx, &config.File{Nodes: []config.NodeConfig{cf, db}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := strings.Join(r.Names(), ","); got != "cf,db" {
		t.Fatalf("unexpected names %q", got)
	}
	// cf maps CLOUDFLARE_API_TOKEN only through the vendor catalog defaults.
	if len(cf.EnvParams) != 0 {
		t.Fatal("fixture must rely on catalog env_params")
	}
	if got := red.Redact("token env-secret-token"); got != "token [REDACTED]" {
		t.Fatalf("expected env secret to be redacted, got %q", got)
	}

	cfNode, _ := r.Get("cf")
	cfNode.Execute(ctx, getZone(nil))
	gen := cfNode.current.Load()

	// Unchanged config: nothing is rebuilt.
	if err := r.Apply(ctx, &config.File{Nodes: []config.NodeConfig{cf, db}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if cfNode.current.Load() != gen {
		t.Fatal("expected unchanged node to keep its dispatcher")
	}

	// db removed, cf changed, broken added.
	cf.Retry = &config.RetryConfig{MaxAttempts: 1, BaseDelay: 0.001, MaxDelay: 0.001}
	broken := config.NodeConfig{Name: "broken", Catalog: "no-such-vendor", BaseURL: "https://example.com"}
	err := r.Apply(ctx, &config.File{Nodes: []config.NodeConfig{cf, broken}})
	if err == nil {
		t.Fatal("expected the broken node to be reported")
	}
	if got := strings.Join(r.Names(), ","); got != "cf" {
		t.Fatalf("unexpected names after reload %q", got)
	}
	if cfNode.current.Load() == gen || cfNode.Config().Retry.MaxAttempts != 1 {
		t.Fatal("expected cf to be updated in place")
	}
	if _, ok := r.Get("db"); ok {
		t.Fatal("expected db to be removed")
	}
	if snap := m.Snapshot("cf"); snap.RequestCount != 1 {
		t.Fatalf("expected cf metrics to survive the update, got %+v", snap)
	}
	if got := red.Redact("token env-secret-token"); got != "token [REDACTED]" {
		t.Fatalf("expected env secret to stay redacted after update, got %q", got)
	}

	if err := r.Apply(ctx, &config.File{}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := red.Redact("token env-secret-token"); got != "token env-secret-token" {
		t.Fatalf("expected secrets of removed nodes to be dropped, got %q", got)
	}
}
