package config

import (
	"strings"
	"testing"
)

func baseValidConfig() Config {
	return Config{
		Gateway:  GatewayConfig{HTTPAddr: ":8080"},
		Identity: IdentityConfig{JWTSecret: "s3cret"},
		Executor: ExecutorConfig{BaseURL: "http://runner"},
	}.WithDefaults()
}

func TestValidateMissing(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestValidateOK(t *testing.T) {
	cfg := baseValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{}.WithDefaults()
	if cfg.Identity.Mode != IdentityJWT {
		t.Fatalf("identity mode: %q", cfg.Identity.Mode)
	}
	if cfg.Storage.Driver != StorageMemory {
		t.Fatalf("storage driver: %q", cfg.Storage.Driver)
	}
	if cfg.Risk.BlockLevel != 6.0 {
		t.Fatalf("block level: %v", cfg.Risk.BlockLevel)
	}
	if cfg.Executor.Mode != ExecutorHTTP || cfg.Executor.TimeoutSecs != 60 {
		t.Fatalf("executor: %+v", cfg.Executor)
	}
	if cfg.Orchestrator.TaskQueue == "" || cfg.Orchestrator.Namespace != "default" {
		t.Fatalf("orchestrator: %+v", cfg.Orchestrator)
	}
	if len(cfg.Integrity.AdminRoles) != 1 || cfg.Integrity.AdminRoles[0] != "admin" {
		t.Fatalf("admin roles: %v", cfg.Integrity.AdminRoles)
	}
}

func TestWithDefaultsPicksPostgresWhenDSNSet(t *testing.T) {
	cfg := Config{Storage: StorageConfig{PostgresDSN: "dsn"}}.WithDefaults()
	if cfg.Storage.Driver != StoragePostgres {
		t.Fatalf("storage driver: %q", cfg.Storage.Driver)
	}
}

func TestWithDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		Gateway: GatewayConfig{RateLimitPerMinute: 5},
		Risk:    RiskConfig{BlockLevel: 8.5},
	}.WithDefaults()
	if cfg.Gateway.RateLimitPerMinute != 5 {
		t.Fatalf("rate limit overwritten: %d", cfg.Gateway.RateLimitPerMinute)
	}
	if cfg.Risk.BlockLevel != 8.5 {
		t.Fatalf("block level overwritten: %v", cfg.Risk.BlockLevel)
	}
}

func TestValidateHeaderIdentityNeedsNoSecret(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Identity = IdentityConfig{Mode: IdentityHeader}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http addr", func(c *Config) { c.Gateway.HTTPAddr = "" }, "gateway.http_addr"},
		{"jwt secret", func(c *Config) { c.Identity.JWTSecret = " " }, "identity.jwt_secret"},
		{"identity mode", func(c *Config) { c.Identity.Mode = "mtls" }, "identity.mode"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = StoragePostgres }, "storage.postgres_dsn"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.driver"},
		{"block level", func(c *Config) { c.Risk.BlockLevel = -1 }, "risk.block_level"},
		{"cel expression", func(c *Config) { c.Approvals.BypassPolicy = BypassCEL }, "approvals.bypass_expression"},
		{"opa url", func(c *Config) { c.Approvals.BypassPolicy = BypassOPA }, "approvals.opa_url"},
		{"bypass policy", func(c *Config) { c.Approvals.BypassPolicy = "magic" }, "approvals.bypass_policy"},
		{"tier name", func(c *Config) { c.Approvals.Chain = []TierConfig{{Roles: []string{"r"}}} }, "approvals.chain[0].name"},
		{"tier roles", func(c *Config) { c.Approvals.Chain = []TierConfig{{Name: "reviewer"}} }, "approvals.chain[0].roles"},
		{"tier timeout", func(c *Config) {
			c.Approvals.Chain = []TierConfig{{Name: "reviewer", Roles: []string{"r"}, TimeoutSecs: -5}}
		}, "approvals.chain[0].timeout_secs"},
		{"executor url", func(c *Config) { c.Executor.BaseURL = "" }, "executor.base_url"},
		{"temporal addr", func(c *Config) { c.Executor.Mode = ExecutorTemporal }, "orchestrator.temporal_addr"},
		{"executor mode", func(c *Config) { c.Executor.Mode = "ssh" }, "executor.mode"},
		{"linear team", func(c *Config) { c.Notifications.Linear.Token = "tok" }, "notifications.linear.team_id"},
		{"slack user", func(c *Config) {
			c.ChatOps.Slack = SlackConfig{SigningSecret: "s", Users: map[string]SlackUser{"U1": {ID: "alice"}}}
		}, "chatops.slack.users[U1]"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "tracing.sample_rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseValidConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateTemporalExecutor(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Executor = ExecutorConfig{Mode: ExecutorTemporal}
	cfg.Orchestrator.TemporalAddr = "temporal:7233"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateLinearWithTeam(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Notifications.Linear = LinearConfig{Token: "tok", TeamID: "team"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}

func TestValidateSlackUsers(t *testing.T) {
	cfg := baseValidConfig()
	cfg.ChatOps.Slack = SlackConfig{
		SigningSecret: "s",
		Users:         map[string]SlackUser{"U1": {ID: "alice", TenantID: "t1", Roles: []string{"lead"}}},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("err: %v", err)
	}
}
