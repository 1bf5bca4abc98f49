package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"riskgate/internal/approvals"
	"riskgate/internal/audit"
	"riskgate/internal/config"
	"riskgate/internal/logging"
	"riskgate/internal/pipeline"
	"riskgate/internal/tracing"
	"riskgate/internal/web"
)

func main() {
	logging.Init("gateway", nil)
	if err := run(os.Args[1:], serveHTTP); err != nil {
		fatalf("gateway: %v", err)
	}
}

var serveHTTP = func(srv *http.Server) error { return srv.ListenAndServe() }
var fatalf = func(format string, args ...any) {
	slog.Error("fatal", "error", fmt.Sprintf(format, args...))
	os.Exit(1)
}
var loadConfig = config.LoadConfig
var newServer = web.NewServer
var setupTracing = tracing.Setup

const pruneInterval = time.Minute

func run(args []string, serve func(*http.Server) error) error {
	fs := flag.NewFlagSet("gateway", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to config JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return errors.New("config required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logging.Init("gateway", nil, logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	shutdownTracing, err := setupTracing(ctx, tracing.Config{
		ServiceName:  "riskgate-gateway",
		Environment:  cfg.Tracing.Environment,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		Insecure:     cfg.Tracing.Insecure,
		SampleRate:   cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := openStores(cfg.Storage)
	if err != nil {
		return err
	}
	defer st.Close()

	matrix, err := loadMatrix(cfg.Risk)
	if err != nil {
		return err
	}
	engine := buildEngine(matrix, cfg.Risk, cfg.Detectors)
	monitor, err := buildMonitor(ctx, st.manifests, matrix, cfg.Integrity)
	if err != nil {
		return err
	}
	gate, err := buildGate(st.approvals, cfg.Approvals, cfg.Notifications)
	if err != nil {
		return err
	}
	auditLog := audit.NewLog(st.audit, audit.NewRedactor(redactPatterns(cfg.Audit)))
	exec, temporalClient, err := buildExecutor(cfg)
	if err != nil {
		return err
	}
	if temporalClient != nil {
		defer temporalClient.Close()
	}

	orch := pipeline.New(engine, monitor, gate, auditLog, exec)
	orch.ExecTimeout = time.Duration(cfg.Executor.TimeoutSecs) * time.Second
	// Parked calls do not survive a restart; their requests are expired.
	if n, err := gate.Recover(ctx); err != nil {
		slog.Warn("approval recovery failed", "error", err)
	} else if n > 0 {
		slog.Info("expired orphaned approval requests", "count", n)
	}

	srv := newServer(orch, buildAuthenticator(cfg.Identity))
	srv.RateLimiter = web.NewRateLimiter(cfg.Gateway.RateLimitPerMinute, cfg.Gateway.RateLimitBurst)
	srv.MaxWait = time.Duration(cfg.Gateway.MaxWaitSecs) * time.Second
	srv.ManifestRoles = append([]string(nil), cfg.Integrity.AdminRoles...)
	srv.Goroutines = web.NewGoroutineTracker()
	if st.database != nil {
		srv.ReadyChecks["postgres"] = st.database.Ping
	}
	if temporalClient != nil {
		srv.ReadyChecks["temporal"] = func(ctx context.Context) error {
			_, err := temporalClient.CheckHealth(ctx, nil)
			return err
		}
	}

	if slack := buildSlackHandler(cfg.ChatOps.Slack, orch); slack != nil {
		srv.Mux.Handle("/v1/chatops/slack", slack)
	}

	var wg sync.WaitGroup
	sweeper := approvals.NewSweeper(gate, cfg.Approvals.SweepSchedule)
	srv.Goroutines.Go(ctx, &wg, "sweeper", sweeper.Run)
	retention := time.Duration(cfg.Gateway.CallRetentionSecs) * time.Second
	srv.Goroutines.Go(ctx, &wg, "pruner", func(ctx context.Context) error {
		return pruneLoop(ctx, orch, retention)
	})
	if cfg.Storage.ObjectStore.Bucket != "" {
		objects, err := newObjectStore(ctx, cfg.Storage.ObjectStore)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		archiver := audit.NewArchiver(auditLog, objects, cfg.Audit.ArchivePrefix)
		srv.Goroutines.Go(ctx, &wg, "archiver", func(ctx context.Context) error {
			if err := archiver.Start(ctx, cfg.Audit.ArchiveSchedule); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		})
	}

	httpSrv := &http.Server{
		Addr:              cfg.Gateway.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- serve(httpSrv) }()
	slog.Info("gateway listening", "addr", cfg.Gateway.HTTPAddr, "storage", cfg.Storage.Driver, "executor", cfg.Executor.Mode)

	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(cfg.Gateway.ShutdownTimeoutSecs) * time.Second
	forceExit := time.AfterFunc(grace+5*time.Second, func() { os.Exit(1) })
	defer forceExit.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	wg.Wait()
	select {
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	default:
		return nil
	}
}

type pruner interface {
	Prune(cutoff time.Time) int
}

// pruneLoop forgets terminal calls older than retention. Their history stays
// in the audit log.
func pruneLoop(ctx context.Context, p pruner, retention time.Duration) error {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := p.Prune(now.Add(-retention)); n > 0 {
				slog.Debug("pruned finished calls", "count", n)
			}
		}
	}
}
