package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type Config struct {
	Gateway       GatewayConfig       `json:"gateway"`
	Identity      IdentityConfig      `json:"identity"`
	Storage       StorageConfig       `json:"storage"`
	Risk          RiskConfig          `json:"risk"`
	Detectors     DetectorsConfig     `json:"detectors"`
	Approvals     ApprovalsConfig     `json:"approvals"`
	Integrity     IntegrityConfig     `json:"integrity"`
	Executor      ExecutorConfig      `json:"executor"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator"`
	Notifications NotificationsConfig `json:"notifications"`
	ChatOps       ChatOpsConfig       `json:"chatops"`
	Audit         AuditConfig         `json:"audit"`
	Tracing       TracingConfig       `json:"tracing"`
	Log           LogConfig           `json:"log"`
}

type GatewayConfig struct {
	HTTPAddr            string `json:"http_addr"`
	RateLimitPerMinute  int    `json:"rate_limit_per_minute"`
	RateLimitBurst      int    `json:"rate_limit_burst"`
	MaxWaitSecs         int    `json:"max_wait_secs"`
	CallRetentionSecs   int    `json:"call_retention_secs"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_secs"`
}

// IdentityConfig selects how callers are identified. "jwt" verifies an
// HMAC-signed bearer token; "header" trusts headers set by an
// authenticating proxy in front of the gateway.
type IdentityConfig struct {
	Mode         string `json:"mode"`
	JWTSecret    string `json:"jwt_secret"`
	Issuer       string `json:"issuer"`
	Audience     string `json:"audience"`
	UserHeader   string `json:"user_header"`
	TenantHeader string `json:"tenant_header"`
	RolesHeader  string `json:"roles_header"`
}

type StorageConfig struct {
	Driver      string            `json:"driver"`
	PostgresDSN string            `json:"postgres_dsn"`
	Pool        PoolConfig        `json:"pool"`
	ObjectStore ObjectStoreConfig `json:"object_store"`
}

type PoolConfig struct {
	MaxOpenConns        int `json:"max_open_conns"`
	MaxIdleConns        int `json:"max_idle_conns"`
	ConnMaxLifetimeSecs int `json:"conn_max_lifetime_secs"`
}

type ObjectStoreConfig struct {
	Endpoint string `json:"endpoint"`
	Region   string `json:"region"`
	Bucket   string `json:"bucket"`
}

type RiskConfig struct {
	MatrixPath             string   `json:"matrix_path"`
	ProductionEnvironments []string `json:"production_environments"`
	BlockLevel             float64  `json:"block_level"`
}

type DetectorsConfig struct {
	SpeedFloorsSecs      map[string]int `json:"speed_floors_secs"`
	StepFloors           map[string]int `json:"step_floors"`
	CoverageDropPoints   float64        `json:"coverage_drop_points"`
	DisableRewardHacking bool           `json:"disable_reward_hacking"`
}

type ApprovalsConfig struct {
	BypassLow        bool         `json:"bypass_low"`
	BypassPolicy     string       `json:"bypass_policy"`
	BypassExpression string       `json:"bypass_expression"`
	OPAURL           string       `json:"opa_url"`
	PolicyPackage    string       `json:"policy_package"`
	SweepSchedule    string       `json:"sweep_schedule"`
	Chain            []TierConfig `json:"chain"`
}

type TierConfig struct {
	Name        string   `json:"name"`
	Roles       []string `json:"roles"`
	TimeoutSecs int      `json:"timeout_secs"`
}

// IntegrityConfig.TrustedKeys maps a key id to a base64 ed25519 public key.
type IntegrityConfig struct {
	RequireManifest bool              `json:"require_manifest"`
	TrustedKeys     map[string]string `json:"trusted_keys"`
	AdminRoles      []string          `json:"admin_roles"`
	CapabilityPaths map[string]string `json:"capability_paths"`
}

type ExecutorConfig struct {
	Mode        string `json:"mode"`
	BaseURL     string `json:"base_url"`
	Token       string `json:"token"`
	TimeoutSecs int    `json:"timeout_secs"`
}

type OrchestratorConfig struct {
	TemporalAddr string `json:"temporal_addr"`
	Namespace    string `json:"namespace"`
	TaskQueue    string `json:"task_queue"`
	HealthAddr   string `json:"health_addr"`
}

type NotificationsConfig struct {
	Linear LinearConfig `json:"linear"`
	Redis  RedisConfig  `json:"redis"`
}

type LinearConfig struct {
	Token   string `json:"token"`
	TeamID  string `json:"team_id"`
	BaseURL string `json:"base_url"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

type ChatOpsConfig struct {
	Slack SlackConfig `json:"slack"`
}

// SlackConfig.Users maps a Slack user id to the approver it acts as.
type SlackConfig struct {
	SigningSecret string               `json:"signing_secret"`
	Users         map[string]SlackUser `json:"users"`
}

type SlackUser struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

type AuditConfig struct {
	RedactPatterns  []string `json:"redact_patterns"`
	ArchiveSchedule string   `json:"archive_schedule"`
	ArchivePrefix   string   `json:"archive_prefix"`
}

type TracingConfig struct {
	OTLPEndpoint string  `json:"otlp_endpoint"`
	Insecure     bool    `json:"insecure"`
	SampleRate   float64 `json:"sample_rate"`
	Environment  string  `json:"environment"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

const (
	IdentityJWT    = "jwt"
	IdentityHeader = "header"

	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	BypassStatic = "static"
	BypassCEL    = "cel"
	BypassOPA    = "opa"

	ExecutorHTTP     = "http"
	ExecutorTemporal = "temporal"
)

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	cfg = cfg.WithDefaults()
	return cfg, cfg.Validate()
}

// WithDefaults fills every unset optional field.
func (c Config) WithDefaults() Config {
	if c.Gateway.RateLimitPerMinute == 0 {
		c.Gateway.RateLimitPerMinute = 600
	}
	if c.Gateway.RateLimitBurst == 0 {
		c.Gateway.RateLimitBurst = 60
	}
	if c.Gateway.MaxWaitSecs == 0 {
		c.Gateway.MaxWaitSecs = 60
	}
	if c.Gateway.CallRetentionSecs == 0 {
		c.Gateway.CallRetentionSecs = 3600
	}
	if c.Gateway.ShutdownTimeoutSecs == 0 {
		c.Gateway.ShutdownTimeoutSecs = 30
	}
	if c.Identity.Mode == "" {
		c.Identity.Mode = IdentityJWT
	}
	if c.Identity.UserHeader == "" {
		c.Identity.UserHeader = "X-Actor-ID"
	}
	if c.Identity.TenantHeader == "" {
		c.Identity.TenantHeader = "X-Tenant-ID"
	}
	if c.Identity.RolesHeader == "" {
		c.Identity.RolesHeader = "X-Actor-Roles"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = StorageMemory
		if c.Storage.PostgresDSN != "" {
			c.Storage.Driver = StoragePostgres
		}
	}
	if len(c.Risk.ProductionEnvironments) == 0 {
		c.Risk.ProductionEnvironments = []string{"production", "prod"}
	}
	if c.Risk.BlockLevel == 0 {
		c.Risk.BlockLevel = 6.0
	}
	if c.Approvals.BypassPolicy == "" {
		c.Approvals.BypassPolicy = BypassStatic
	}
	if c.Approvals.SweepSchedule == "" {
		c.Approvals.SweepSchedule = "@every 15s"
	}
	if len(c.Integrity.AdminRoles) == 0 {
		c.Integrity.AdminRoles = []string{"admin"}
	}
	if c.Executor.Mode == "" {
		c.Executor.Mode = ExecutorHTTP
	}
	if c.Executor.TimeoutSecs == 0 {
		c.Executor.TimeoutSecs = 60
	}
	if c.Orchestrator.Namespace == "" {
		c.Orchestrator.Namespace = "default"
	}
	if c.Orchestrator.TaskQueue == "" {
		c.Orchestrator.TaskQueue = "riskgate-executions"
	}
	if c.Notifications.Redis.Channel == "" {
		c.Notifications.Redis.Channel = "riskgate:approvals"
	}
	if c.Audit.ArchiveSchedule == "" {
		c.Audit.ArchiveSchedule = "@hourly"
	}
	if c.Audit.ArchivePrefix == "" {
		c.Audit.ArchivePrefix = "audit/"
	}
	return c
}

func (c Config) Validate() error {
	if c.Gateway.HTTPAddr == "" {
		return errors.New("gateway.http_addr required")
	}
	switch c.Identity.Mode {
	case IdentityJWT:
		if strings.TrimSpace(c.Identity.JWTSecret) == "" {
			return errors.New("identity.jwt_secret required when identity.mode is jwt")
		}
	case IdentityHeader:
	default:
		return fmt.Errorf("identity.mode %q unsupported", c.Identity.Mode)
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn required")
		}
	default:
		return fmt.Errorf("storage.driver %q unsupported", c.Storage.Driver)
	}
	if c.Risk.BlockLevel < 0 {
		return errors.New("risk.block_level must be positive")
	}
	switch c.Approvals.BypassPolicy {
	case BypassStatic:
	case BypassCEL:
		if strings.TrimSpace(c.Approvals.BypassExpression) == "" {
			return errors.New("approvals.bypass_expression required when approvals.bypass_policy is cel")
		}
	case BypassOPA:
		if strings.TrimSpace(c.Approvals.OPAURL) == "" {
			return errors.New("approvals.opa_url required when approvals.bypass_policy is opa")
		}
	default:
		return fmt.Errorf("approvals.bypass_policy %q unsupported", c.Approvals.BypassPolicy)
	}
	for i, tier := range c.Approvals.Chain {
		if strings.TrimSpace(tier.Name) == "" {
			return fmt.Errorf("approvals.chain[%d].name required", i)
		}
		if len(tier.Roles) == 0 {
			return fmt.Errorf("approvals.chain[%d].roles required", i)
		}
		if tier.TimeoutSecs < 0 {
			return fmt.Errorf("approvals.chain[%d].timeout_secs must be positive", i)
		}
	}
	switch c.Executor.Mode {
	case ExecutorHTTP:
		if strings.TrimSpace(c.Executor.BaseURL) == "" {
			return errors.New("executor.base_url required when executor.mode is http")
		}
	case ExecutorTemporal:
		if c.Orchestrator.TemporalAddr == "" {
			return errors.New("orchestrator.temporal_addr required when executor.mode is temporal")
		}
	default:
		return fmt.Errorf("executor.mode %q unsupported", c.Executor.Mode)
	}
	if err := validateTokenAddr("notifications.linear", c.Notifications.Linear.TeamID, c.Notifications.Linear.Token); err != nil {
		return err
	}
	if strings.TrimSpace(c.ChatOps.Slack.SigningSecret) != "" {
		for slackID, user := range c.ChatOps.Slack.Users {
			if user.ID == "" || user.TenantID == "" {
				return fmt.Errorf("chatops.slack.users[%s] needs id and tenant_id", slackID)
			}
		}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return errors.New("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

func validateTokenAddr(prefix string, target string, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if strings.TrimSpace(target) == "" {
		return errors.New(prefix + ".team_id required when token is set")
	}
	return nil
}
