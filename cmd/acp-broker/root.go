// Package acpbroker wires the broker's cobra command tree: serve runs the
// WebSocket/JSON-RPC front door, healthcheck is a thin HTTP probe suitable
// for a container liveness check.
package acpbroker

import (
	"github.com/spf13/cobra"
)

var configPath string

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "acp-broker",
		Short: "Remote Agent Client Protocol broker",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to the broker's JSON settings file")
	root.AddCommand(newServeCmd())
	root.AddCommand(newHealthcheckCmd())
	return root
}
