package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"riskgate/internal/audit"
	"riskgate/internal/config"
	"riskgate/internal/db"
)

var errChainBroken = errors.New("audit chain broken")

var openAuditStore = func(dsn string) (audit.Store, func() error, error) {
	d, err := db.NewDB(dsn)
	if err != nil {
		return nil, nil, err
	}
	return db.NewAuditStore(d), d.Close, nil
}

func newVerifyChainCmd() *cobra.Command {
	var configPath, dsn, from string
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Replay the audit hash chain from Postgres",
		Long: `Replay the audit log's hash chain and report the first broken link.

The exit status is non-zero when the chain does not verify.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = os.Getenv("RISKGATE_POSTGRES_DSN")
			}
			if dsn == "" && configPath != "" {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				dsn = cfg.Storage.PostgresDSN
			}
			if dsn == "" {
				return fmt.Errorf("--dsn, RISKGATE_POSTGRES_DSN or --config with storage.postgres_dsn required")
			}
			store, closeStore, err := openAuditStore(dsn)
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			res, err := audit.NewLog(store, nil).VerifyChain(cmd.Context(), from)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Valid {
				return errChainBroken
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "gateway config JSON to read storage.postgres_dsn from")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN")
	cmd.Flags().StringVar(&from, "from", "", "start verification at this event id")
	return cmd
}
