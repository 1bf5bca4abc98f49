// Command gatectl is the operator tool for the gateway: it creates signing
// keys, signs and fingerprints capability manifests and verifies the audit
// chain offline. It also checks exported workflow histories still replay.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"riskgate/internal/logging"
)

func main() {
	logging.Init("gatectl", os.Stderr)
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gatectl:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "gatectl",
		Short:         "Operate the risk gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.AddCommand(
		newKeygenCmd(),
		newSignManifestCmd(),
		newFingerprintCmd(),
		newVerifyChainCmd(),
		newReplayCmd(),
	)
	return root
}
