package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"riskgate/internal/config"
	"riskgate/internal/logging"
	"riskgate/migrations"
)

var openDB = sql.Open

func main() {
	logging.Init("migrate", nil)
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "gateway config path; supplies storage.postgres_dsn")
	dsn := fs.String("dsn", os.Getenv("RISKGATE_POSTGRES_DSN"), "postgres DSN")
	dir := fs.String("dir", "./migrations", "migrations dir when -embed=false")
	action := fs.String("action", "", "up/down/status/version/redo")
	useEmbed := fs.Bool("embed", true, "use embedded migrations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" && *cfgPath != "" {
		cfg, err := config.LoadConfig(*cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	switch *action {
	case "up", "down", "status", "version", "redo":
	default:
		return fmt.Errorf("unknown action %q", *action)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if *useEmbed {
		goose.SetBaseFS(migrations.EmbeddedFS)
		*dir = "."
	}

	db, err := openDB("postgres", *dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx := context.Background()
	slog.Info("running migrations", "action", *action, "embedded", *useEmbed)
	switch *action {
	case "up":
		return goose.UpContext(ctx, db, *dir)
	case "down":
		return goose.DownContext(ctx, db, *dir)
	case "status":
		return goose.StatusContext(ctx, db, *dir)
	case "redo":
		return goose.RedoContext(ctx, db, *dir)
	default:
		v, err := goose.GetDBVersionContext(ctx, db)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "version %d\n", v)
		return nil
	}
}
