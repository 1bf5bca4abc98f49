package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.temporal.io/sdk/client"

	"riskgate/internal/approvals"
	"riskgate/internal/audit"
	"riskgate/internal/auth"
	"riskgate/internal/chatops"
	"riskgate/internal/config"
	"riskgate/internal/db"
	"riskgate/internal/detectors"
	"riskgate/internal/executor"
	"riskgate/internal/integrity"
	"riskgate/internal/policy"
	"riskgate/internal/risk"
	"riskgate/internal/riskengine"
	"riskgate/internal/storage"
	"riskgate/internal/workflows"
)

const defaultPolicyPackage = "riskgate.bypass"

var newDB = func(cfg config.StorageConfig) (*db.DB, error) {
	pool := db.DefaultPoolConfig()
	if cfg.Pool.MaxOpenConns > 0 {
		pool.MaxOpenConns = cfg.Pool.MaxOpenConns
	}
	if cfg.Pool.MaxIdleConns > 0 {
		pool.MaxIdleConns = cfg.Pool.MaxIdleConns
	}
	if cfg.Pool.ConnMaxLifetimeSecs > 0 {
		pool.ConnMaxLifetime = time.Duration(cfg.Pool.ConnMaxLifetimeSecs) * time.Second
	}
	return db.NewDBWithPool(cfg.PostgresDSN, pool)
}
var newTemporalClient = func(cfg config.OrchestratorConfig) (client.Client, error) {
	return client.Dial(client.Options{HostPort: cfg.TemporalAddr, Namespace: cfg.Namespace})
}
var newObjectStore = func(ctx context.Context, cfg config.ObjectStoreConfig) (*storage.ObjectStore, error) {
	return storage.NewObjectStore(ctx, storage.Config{Endpoint: cfg.Endpoint, Region: cfg.Region, Bucket: cfg.Bucket})
}
var newLinearClient = approvals.NewLinearClient
var newRedisNotifier = func(cfg config.RedisConfig) approvals.Notifier {
	return approvals.NewRedisNotifier(cfg.Addr, cfg.Password, cfg.DB, cfg.Channel)
}

// stores groups the three persistent stores. database is nil in memory mode.
type stores struct {
	database  *db.DB
	manifests integrity.Store
	approvals approvals.Store
	audit     audit.Store
}

func (s stores) Close() {
	if s.database != nil {
		_ = s.database.Close()
	}
}

func openStores(cfg config.StorageConfig) (stores, error) {
	if cfg.Driver != config.StoragePostgres {
		slog.Warn("using in-memory storage; approvals and audit history are lost on restart")
		return stores{
			manifests: integrity.NewMemoryStore(),
			approvals: approvals.NewMemoryStore(),
			audit:     audit.NewMemoryStore(),
		}, nil
	}
	database, err := newDB(cfg)
	if err != nil {
		return stores{}, err
	}
	return stores{
		database:  database,
		manifests: database,
		approvals: database,
		audit:     db.NewAuditStore(database),
	}, nil
}

func loadMatrix(cfg config.RiskConfig) (*risk.Matrix, error) {
	if cfg.MatrixPath == "" {
		return risk.DefaultMatrix(), nil
	}
	m, err := risk.LoadMatrix(cfg.MatrixPath)
	if err != nil {
		return nil, fmt.Errorf("risk matrix: %w", err)
	}
	return m, nil
}

func buildEngine(matrix *risk.Matrix, rc config.RiskConfig, dc config.DetectorsConfig) *riskengine.Engine {
	deceptive := detectors.NewDeceptiveCompliance()
	for complexity, secs := range dc.SpeedFloorsSecs {
		deceptive.SpeedFloors[complexity] = time.Duration(secs) * time.Second
	}
	for complexity, steps := range dc.StepFloors {
		deceptive.StepFloors[complexity] = steps
	}
	dets := []detectors.Detector{deceptive}
	if !dc.DisableRewardHacking {
		reward := detectors.NewRewardHacking()
		if dc.CoverageDropPoints > 0 {
			reward.CoverageDrop = dc.CoverageDropPoints
		}
		dets = append(dets, reward)
	}
	engine := riskengine.New(matrix, dets...)
	engine.ProductionEnvs = append([]string(nil), rc.ProductionEnvironments...)
	engine.BlockLevel = rc.BlockLevel
	return engine
}

func trustedKeys(in map[string]string) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(in))
	for id, encoded := range in {
		pub, err := integrity.ParsePublicKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("integrity.trusted_keys[%s]: %w", id, err)
		}
		keys[id] = pub
	}
	return keys, nil
}

// buildMonitor also replays the default tiers of active manifests into the
// matrix so a restart keeps them.
func buildMonitor(ctx context.Context, store integrity.Store, matrix *risk.Matrix, cfg config.IntegrityConfig) (*integrity.Monitor, error) {
	keys, err := trustedKeys(cfg.TrustedKeys)
	if err != nil {
		return nil, err
	}
	var fp integrity.Fingerprinter
	if len(cfg.CapabilityPaths) > 0 {
		fp = integrity.PathFingerprinter{Paths: cfg.CapabilityPaths}
	}
	m := integrity.NewMonitor(store, fp, keys)
	m.AdminRoles = append([]string(nil), cfg.AdminRoles...)
	m.RequireManifest = cfg.RequireManifest
	m.Matrix = matrix

	manifests, err := store.ListManifests(ctx)
	if err != nil {
		slog.Warn("manifest tiers not restored", "error", err)
		return m, nil
	}
	for _, manifest := range manifests {
		if manifest.Status == integrity.StatusActive && manifest.DefaultTier != nil {
			matrix.Set(manifest.CapabilityID, *manifest.DefaultTier)
		}
	}
	return m, nil
}

func buildChain(in []config.TierConfig) []approvals.Tier {
	if len(in) == 0 {
		return nil
	}
	chain := make([]approvals.Tier, 0, len(in))
	for _, t := range in {
		chain = append(chain, approvals.Tier{
			Name:    t.Name,
			Roles:   append([]string(nil), t.Roles...),
			Timeout: time.Duration(t.TimeoutSecs) * time.Second,
		})
	}
	return chain
}

func buildBypass(cfg config.ApprovalsConfig) (policy.BypassPolicy, error) {
	switch cfg.BypassPolicy {
	case config.BypassCEL:
		return policy.NewCEL(cfg.BypassExpression)
	case config.BypassOPA:
		pkg := cfg.PolicyPackage
		if pkg == "" {
			pkg = defaultPolicyPackage
		}
		return policy.OPA{Service: &policy.PolicyService{OPAURL: cfg.OPAURL, PolicyPackage: pkg}}, nil
	default:
		return policy.Static{Enabled: cfg.BypassLow, MaxRisk: risk.TierLow}, nil
	}
}

func buildNotifier(cfg config.NotificationsConfig) approvals.Notifier {
	var out approvals.Multi
	if cfg.Linear.Token != "" && cfg.Linear.TeamID != "" {
		linear := newLinearClient()
		linear.Token = cfg.Linear.Token
		linear.TeamID = cfg.Linear.TeamID
		if cfg.Linear.BaseURL != "" {
			linear.BaseURL = cfg.Linear.BaseURL
		}
		out = append(out, linear)
	}
	if cfg.Redis.Addr != "" {
		out = append(out, newRedisNotifier(cfg.Redis))
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func buildGate(store approvals.Store, cfg config.ApprovalsConfig, notify config.NotificationsConfig) (*approvals.Gate, error) {
	bypass, err := buildBypass(cfg)
	if err != nil {
		return nil, fmt.Errorf("bypass policy: %w", err)
	}
	gate := approvals.NewGate(store, buildChain(cfg.Chain))
	gate.Bypass = bypass
	gate.Notifier = buildNotifier(notify)
	return gate, nil
}

func buildAuthenticator(cfg config.IdentityConfig) auth.Authenticator {
	if cfg.Mode == config.IdentityHeader {
		return auth.HeaderAuthenticator{UserHeader: cfg.UserHeader, TenantHeader: cfg.TenantHeader, RolesHeader: cfg.RolesHeader}
	}
	return auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.Issuer, cfg.Audience)
}

// buildSlackHandler returns nil when no signing secret is configured.
func buildSlackHandler(cfg config.SlackConfig, gw chatops.Gateway) *chatops.SlackHandler {
	if cfg.SigningSecret == "" {
		return nil
	}
	users := make(map[string]approvals.Approver, len(cfg.Users))
	for slackID, u := range cfg.Users {
		users[slackID] = approvals.Approver{ID: u.ID, TenantID: u.TenantID, Roles: append([]string(nil), u.Roles...)}
	}
	return chatops.NewSlackHandler(cfg.SigningSecret, gw, users)
}

// buildExecutor returns the executor and, in temporal mode, the client so
// readiness can check it. The caller closes the client.
func buildExecutor(cfg config.Config) (executor.Executor, client.Client, error) {
	timeout := time.Duration(cfg.Executor.TimeoutSecs) * time.Second
	switch cfg.Executor.Mode {
	case config.ExecutorTemporal:
		tc, err := newTemporalClient(cfg.Orchestrator)
		if err != nil {
			return nil, nil, fmt.Errorf("temporal client: %w", err)
		}
		te := workflows.NewTemporalExecutor(tc, cfg.Orchestrator.TaskQueue)
		te.Timeout = timeout
		return executor.Instrumented{Next: te}, tc, nil
	default:
		return executor.Instrumented{Next: &executor.HTTPExecutor{
			BaseURL:    cfg.Executor.BaseURL,
			Token:      cfg.Executor.Token,
			HTTPClient: &http.Client{Timeout: timeout},
		}}, nil, nil
	}
}

func redactPatterns(cfg config.AuditConfig) []string {
	if len(cfg.RedactPatterns) > 0 {
		return cfg.RedactPatterns
	}
	return audit.DefaultRedactPatterns()
}
