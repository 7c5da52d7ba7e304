// Command ims runs the inventory management service and its operator
// commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	appName = "ims"
	version = "v1.4.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Inventory management service for securities finance",
		Version: version,
		Long: `ims ingests reference, trade, contract and market data feeds,
maintains real-time positions and calculated availability, and serves
the locate and short-sell decision APIs.`,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the service",
		Long:  "Starts the event bus, position engine, calculators, decision gates and the HTTP API.",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to YAML configuration (defaults apply when empty)")

	reprocessCmd := &cobra.Command{
		Use:   "reprocess-batch <batch-id>",
		Short: "Rerun a stored feed batch",
		Args:  cobra.ExactArgs(1),
		RunE:  runReprocessBatch,
	}

	reloadRulesCmd := &cobra.Command{
		Use:   "reload-rules",
		Short: "Rebuild the rule cache from the store",
		RunE:  runReloadRules,
	}

	snapshotCmd := &cobra.Command{
		Use:   "snapshot-now",
		Short: "Force a position snapshot of every shard",
		RunE:  runSnapshotNow,
	}

	replayCmd := &cobra.Command{
		Use:   "replay-from <topic> <group> <offset>",
		Short: "Rewind a consumer group to an offset",
		Args:  cobra.ExactArgs(3),
		RunE:  runReplayFrom,
	}

	for _, cmd := range []*cobra.Command{reprocessCmd, reloadRulesCmd, snapshotCmd, replayCmd} {
		cmd.Flags().String("addr", "http://127.0.0.1:8080", "Base URL of a running ims instance")
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
