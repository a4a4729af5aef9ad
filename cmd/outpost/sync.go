package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay pending operations now",
	Long: `Replay the pending operation log against the configured backend.

Operations are applied strictly in insertion order. A failed operation
has its retry count incremented and stays queued; once it exceeds the
retry cap it is dropped. The command exits non-zero when the queue is
not empty afterwards.

Requires server.base_url and server.entities in the configuration.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx := context.Background()

		pending, err := eng.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", err)
			os.Exit(1)
		}
		if pending == 0 {
			fmt.Printf("%s Queue is empty, nothing to replay\n", ui.RenderPass("✓"))
			return
		}

		// Explicit replay assumes reachability; the cycle's own
		// failures report the truth.
		eng.SetOnline(true)

		fmt.Printf("%s Replaying %d pending operations...\n", ui.RenderAccent("🔄"), pending)
		start := time.Now()

		report, err := eng.Sync(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during replay: %v\n", err)
			os.Exit(1)
		}
		if !report.Started {
			fmt.Fprintf(os.Stderr, "Replay did not start: %s\n", report.Reason)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		if report.Drained {
			fmt.Printf("%s Replayed %d operations in %v\n",
				ui.RenderPass("✓"), report.Processed, elapsed.Round(time.Millisecond))
			return
		}

		fmt.Printf("%s Replayed %d, %d failed and remain queued (%v)\n",
			ui.RenderWarn("⚠"), report.Processed, report.Failed, elapsed.Round(time.Millisecond))
		os.Exit(1)
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
