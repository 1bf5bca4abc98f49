package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"riskgate/internal/workflows"
)

var replayHistory = workflows.ReplayHistoryFile

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay-workflow HISTORY.json",
		Short: "Check the execution workflow replays an exported Temporal history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := replayHistory(nil, args[0]); err != nil {
				return fmt.Errorf("replay %s: %w", args[0], err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "replay ok: %s\n", args[0])
			return err
		},
	}
}
