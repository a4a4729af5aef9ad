package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue and connectivity status",
	Long: `Display the current state of the offline queue.

Shows:
  - Connectivity (probed once if a probe URL is configured)
  - Pending operation count
  - Cached snapshot count
  - Store location, size, and schema version
  - Last sync outcome`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx := context.Background()

		// One-shot probe so the badge reflects reality, not the
		// monitor's offline starting state.
		if cfg.Connectivity.ProbeURL != "" {
			eng.SetOnline(probeOnce(cfg.Connectivity.ProbeURL))
		}

		stats, err := eng.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Outpost Status\n\n", ui.RenderAccent("📊"))
		fmt.Printf("Connectivity: %s\n", ui.OnlineBadge(stats.Online))
		fmt.Printf("Queue:        %s\n", ui.PendingBadge(stats.PendingCount))
		fmt.Printf("Cache:        %d snapshots\n", stats.CachedCount)
		if stats.CorruptOperations > 0 {
			fmt.Printf("Corrupt rows: %s\n", ui.RenderFail(fmt.Sprintf("%d skipped", stats.CorruptOperations)))
		}

		fmt.Printf("\nStore:    %s", cfg.StorePath)
		if info, err := os.Stat(cfg.StorePath); err == nil {
			fmt.Printf(" (%s)", formatSize(info.Size()))
		}
		fmt.Printf("\nSchema:   v%d\n", stats.SchemaVersion)
		fmt.Printf("Instance: %s\n", stats.InstanceID)

		if stats.LastSync != nil {
			outcome := ui.RenderPass("drained")
			if !stats.LastSync.Drained {
				outcome = ui.RenderWarn(fmt.Sprintf("%d left for retry", stats.LastSync.Failed))
			}
			fmt.Printf("\nLast sync: %s ago — %d replayed, %s\n",
				time.Since(stats.LastSyncAt).Round(time.Second),
				stats.LastSync.Processed, outcome)
		} else {
			fmt.Printf("\nLast sync: %s\n", ui.RenderMuted("never"))
		}
		fmt.Println()
	},
}

// probeOnce does a single reachability check against url.
func probeOnce(url string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return true
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
