// Command controlplane is the operational CLI for the control plane (§2
// row N): it does not serve the HTTP/RPC surface described in §6 (that
// surface is an explicit Non-goal, left to an external collaborator) — it
// only wires and runs the dispatcher workers, applies schema migrations,
// and reports health. Grounded on the teacher's cmd/bd cobra root command
// (cmd/bd/main.go), generalized from an issue-tracker CLI to a worker
// control plane.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "controlplane",
	Short: "controlplane - adaptive vector-search control plane",
	Long: `controlplane wires and runs the control plane's background workers:
task dispatch (UPSERT/DELETE/REINDEX), the clickstream improvement pipeline,
and the schema migrations the relational vector store and task store need.`,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (defaults + env vars apply regardless)")
	rootCmd.AddCommand(serveCmd, migrateCmd, healthcheckCmd, cancelCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
