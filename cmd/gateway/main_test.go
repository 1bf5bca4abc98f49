package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskgate/internal/approvals"
	"riskgate/internal/auth"
	"riskgate/internal/config"
	"riskgate/internal/executor"
	"riskgate/internal/integrity"
	"riskgate/internal/policy"
	"riskgate/internal/risk"
	"riskgate/internal/web"
)

func writeConfig(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return file
}

func TestRunRequiresConfig(t *testing.T) {
	if err := run([]string{}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunInvalidConfig(t *testing.T) {
	file := writeConfig(t, `{"gateway":{"http_addr":":0"},"identity":{"mode":"jwt"},"executor":{"base_url":"http://sandbox"}}`)
	if err := run([]string{"-config", file}, func(*http.Server) error { return nil }); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunMemoryMode(t *testing.T) {
	file := writeConfig(t, `{
		"gateway":{"http_addr":":9191","max_wait_secs":5},
		"identity":{"mode":"header"},
		"executor":{"base_url":"http://sandbox"},
		"integrity":{"admin_roles":["secops"]},
		"approvals":{"bypass_low":true}
	}`)
	var captured *web.Server
	old := newServer
	newServer = func(gw web.Gateway, authn auth.Authenticator) *web.Server {
		captured = old(gw, authn)
		return captured
	}
	defer func() { newServer = old }()

	var addr string
	err := run([]string{"-config", file}, func(srv *http.Server) error {
		addr = srv.Addr
		return nil
	})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if addr != ":9191" {
		t.Fatalf("addr: %q", addr)
	}
	if captured == nil || captured.Gateway == nil {
		t.Fatalf("expected server wired to gateway")
	}
	if captured.MaxWait != 5*time.Second {
		t.Fatalf("max wait: %v", captured.MaxWait)
	}
	if len(captured.ManifestRoles) != 1 || captured.ManifestRoles[0] != "secops" {
		t.Fatalf("manifest roles: %v", captured.ManifestRoles)
	}
	if captured.RateLimiter == nil || captured.Goroutines == nil {
		t.Fatalf("expected rate limiter and goroutine tracker")
	}
	if _, ok := captured.ReadyChecks["postgres"]; ok {
		t.Fatalf("memory mode should not check postgres")
	}
}

func TestBuildAuthenticator(t *testing.T) {
	if _, ok := buildAuthenticator(config.IdentityConfig{Mode: config.IdentityHeader}).(auth.HeaderAuthenticator); !ok {
		t.Fatalf("expected header authenticator")
	}
	a, ok := buildAuthenticator(config.IdentityConfig{Mode: config.IdentityJWT, JWTSecret: "s", Issuer: "iss"}).(*auth.JWTAuthenticator)
	if !ok || a.Issuer != "iss" {
		t.Fatalf("expected jwt authenticator, got %#v", a)
	}
}

func TestBuildBypass(t *testing.T) {
	p, err := buildBypass(config.ApprovalsConfig{BypassPolicy: config.BypassStatic, BypassLow: true})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if s, ok := p.(policy.Static); !ok || !s.Enabled {
		t.Fatalf("policy: %#v", p)
	}
	if _, err := buildBypass(config.ApprovalsConfig{BypassPolicy: config.BypassCEL, BypassExpression: `risk == "LOW"`}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if _, err := buildBypass(config.ApprovalsConfig{BypassPolicy: config.BypassCEL, BypassExpression: "risk =="}); err == nil {
		t.Fatalf("expected error")
	}
	p, err = buildBypass(config.ApprovalsConfig{BypassPolicy: config.BypassOPA, OPAURL: "http://opa"})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if o, ok := p.(policy.OPA); !ok || o.Service.PolicyPackage != defaultPolicyPackage {
		t.Fatalf("policy: %#v", p)
	}
}

func TestBuildChain(t *testing.T) {
	if buildChain(nil) != nil {
		t.Fatalf("expected nil chain")
	}
	chain := buildChain([]config.TierConfig{{Name: "reviewer", Roles: []string{"dev"}, TimeoutSecs: 60}})
	if len(chain) != 1 || chain[0].Timeout != time.Minute || chain[0].Roles[0] != "dev" {
		t.Fatalf("chain: %+v", chain)
	}
}

func TestBuildSlackHandler(t *testing.T) {
	if buildSlackHandler(config.SlackConfig{}, nil) != nil {
		t.Fatalf("expected no handler without secret")
	}
	h := buildSlackHandler(config.SlackConfig{
		SigningSecret: "s",
		Users:         map[string]config.SlackUser{"U1": {ID: "alice", TenantID: "t1", Roles: []string{"lead"}}},
	}, nil)
	if h == nil || h.SigningSecret != "s" {
		t.Fatalf("handler: %#v", h)
	}
	if u := h.Users["U1"]; u.ID != "alice" || u.TenantID != "t1" || u.Roles[0] != "lead" {
		t.Fatalf("user: %+v", u)
	}
}

func TestBuildNotifier(t *testing.T) {
	if buildNotifier(config.NotificationsConfig{}) != nil {
		t.Fatalf("expected no notifier")
	}
	old := newRedisNotifier
	newRedisNotifier = func(config.RedisConfig) approvals.Notifier { return approvals.Multi{} }
	defer func() { newRedisNotifier = old }()
	n := buildNotifier(config.NotificationsConfig{
		Linear: config.LinearConfig{Token: "t", TeamID: "team", BaseURL: "http://linear"},
		Redis:  config.RedisConfig{Addr: "localhost:6379"},
	})
	multi, ok := n.(approvals.Multi)
	if !ok || len(multi) != 2 {
		t.Fatalf("notifier: %#v", n)
	}
	linear, ok := multi[0].(*approvals.LinearClient)
	if !ok || linear.BaseURL != "http://linear" || linear.TeamID != "team" {
		t.Fatalf("linear: %#v", multi[0])
	}
}

func TestBuildEngineAppliesDetectorConfig(t *testing.T) {
	engine := buildEngine(risk.DefaultMatrix(), config.RiskConfig{ProductionEnvironments: []string{"live"}, BlockLevel: 5}, config.DetectorsConfig{
		SpeedFloorsSecs:      map[string]int{"high": 600},
		DisableRewardHacking: true,
	})
	if engine.BlockLevel != 5 || engine.ProductionEnvs[0] != "live" {
		t.Fatalf("engine: %+v", engine)
	}
	if len(engine.Detectors) != 1 {
		t.Fatalf("detectors: %d", len(engine.Detectors))
	}
}

func TestBuildMonitorRestoresTiers(t *testing.T) {
	store := integrity.NewMemoryStore()
	tier := risk.TierCritical
	if err := store.SaveManifest(context.Background(), integrity.Manifest{CapabilityID: "deploy", Status: integrity.StatusActive, DefaultTier: &tier}); err != nil {
		t.Fatalf("err: %v", err)
	}
	matrix := risk.NewMatrix(nil)
	m, err := buildMonitor(context.Background(), store, matrix, config.IntegrityConfig{AdminRoles: []string{"admin"}, RequireManifest: true})
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !m.RequireManifest {
		t.Fatalf("expected require manifest")
	}
	if got, ok := matrix.Lookup("deploy"); !ok || got != risk.TierCritical {
		t.Fatalf("tier: %v %v", got, ok)
	}
	if _, err := buildMonitor(context.Background(), store, matrix, config.IntegrityConfig{TrustedKeys: map[string]string{"k": "not-a-key"}}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildExecutorHTTP(t *testing.T) {
	cfg := config.Config{Executor: config.ExecutorConfig{Mode: config.ExecutorHTTP, BaseURL: "http://sandbox", TimeoutSecs: 5}}
	exec, tc, err := buildExecutor(cfg)
	if err != nil || tc != nil {
		t.Fatalf("err: %v client: %v", err, tc)
	}
	inst, ok := exec.(executor.Instrumented)
	if !ok {
		t.Fatalf("executor: %#v", exec)
	}
	if h, ok := inst.Next.(*executor.HTTPExecutor); !ok || h.HTTPClient.Timeout != 5*time.Second {
		t.Fatalf("next: %#v", inst.Next)
	}
}

type fakePruner struct{ calls int }

func (f *fakePruner) Prune(time.Time) int {
	f.calls++
	return 0
}

func TestPruneLoopStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := pruneLoop(ctx, &fakePruner{}, time.Hour); err != nil {
		t.Fatalf("err: %v", err)
	}
}
