package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/falconlib/falcon/internal/docstore"
	"github.com/falconlib/falcon/internal/loadtest"
	"github.com/falconlib/falcon/internal/remote"
	"github.com/falconlib/falcon/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "sync",
	Short:   "Measure sync latency with simulated devices",
	Long: `Run a sync load test against a scratch remote store.

Every simulated device has its own cache and sync engine. All devices add
students at the same time, then the run waits until every cache holds every
student. Your own cache and remote are never touched.

Backends:
  memory    in-process store (default)
  docstore  SQLite document store in a temporary directory`,
	Run: func(cmd *cobra.Command, args []string) {
		devices, _ := cmd.Flags().GetInt("devices")
		edits, _ := cmd.Flags().GetInt("edits")
		backend, _ := cmd.Flags().GetString("backend")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		logs := openLogs(cfg)
		defer logs.Close()

		dir, err := os.MkdirTemp("", "falcon-bench-")
		if err != nil {
			fatal("failed to create scratch directory: %v", err)
		}
		defer os.RemoveAll(dir)

		var store remote.Store
		switch backend {
		case "memory":
			store = remote.NewMemory()
		case "docstore":
			db, err := docstore.Open(filepath.Join(dir, "remote.db"), logs.For("docstore"))
			if err != nil {
				fatal("failed to open scratch store: %v", err)
			}
			defer db.Close()
			store = remote.NewDocStore(db, logs.For("remote"))
		default:
			fatal("unknown backend %q (use memory or docstore)", backend)
		}

		fleet, err := loadtest.NewFleet(dir, store, devices, logs.For("bench"))
		if err != nil {
			fatal("%v", err)
		}
		defer fleet.Close()

		ctx := context.Background()
		if err := fleet.Start(ctx); err != nil {
			fatal("%v", err)
		}

		fmt.Printf("Running %d devices x %d edits on %s...\n", devices, edits, backend)
		res, err := fleet.Run(ctx, edits, timeout)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", ui.RenderFail("✗"), err)
			os.Exit(1)
		}

		fmt.Println()
		res.Local.PrintStats(os.Stdout, "Local edits")
		fmt.Println()
		res.Visible.PrintStats(os.Stdout, "Visible on remote")
		fmt.Println()
		fmt.Printf("Convergence: %v\n", res.Convergence)
		fmt.Printf("Total:       %v (%.1f edits/s)\n", res.Elapsed, float64(res.Edits)/res.Elapsed.Seconds())

		if res.Local.Errors > 0 {
			fmt.Printf("%s %d edits failed\n", ui.RenderWarn("⚠"), res.Local.Errors)
			os.Exit(1)
		}
		fmt.Printf("%s All %d devices converged\n", ui.RenderPass("✓"), res.Devices)
	},
}

func init() {
	benchCmd.Flags().Int("devices", 5, "Number of simulated devices")
	benchCmd.Flags().Int("edits", 20, "Students added per device")
	benchCmd.Flags().String("backend", "memory", "Scratch remote backend (memory, docstore)")
	benchCmd.Flags().Duration("timeout", 30*time.Second, "Maximum wait for an edit to reach every device")
	rootCmd.AddCommand(benchCmd)
}
