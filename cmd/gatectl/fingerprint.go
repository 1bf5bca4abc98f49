package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskgate/internal/integrity"
)

func newFingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint PATH",
		Short: "Print the code hash the integrity monitor computes for PATH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := integrity.HashPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
}
