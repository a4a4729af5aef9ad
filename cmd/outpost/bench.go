package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/loadtest"
	"github.com/quiltworks/outpost/internal/ui"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "advanced",
	Short:   "Benchmark queue append and drain throughput",
	Long: `Run the load harness against a throwaway store.

The harness seeds N operations from concurrent workers, measuring
append latency, then drains the queue through replay cycles against an
in-process no-op binding, measuring throughput. The configured store is
never touched.`,
	Run: func(cmd *cobra.Command, args []string) {
		numOps, _ := cmd.Flags().GetInt("operations")
		workers, _ := cmd.Flags().GetInt("workers")
		seed, _ := cmd.Flags().GetInt64("seed")

		dir, err := os.MkdirTemp("", "outpost-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		h, err := loadtest.NewHarness(dir, loadtest.Options{
			NumOperations: numOps,
			Workers:       workers,
			Seed:          seed,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating harness: %v\n", err)
			os.Exit(1)
		}
		defer h.Close()

		ctx := context.Background()

		fmt.Printf("%s Appending %d operations from %d workers...\n", ui.RenderAccent("🔄"), numOps, workers)
		appendStats, err := h.RunAppend(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Append phase failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Draining queue...\n", ui.RenderAccent("🔄"))
		drainStats, err := h.RunDrain(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Drain phase failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Println()
		appendStats.Print(os.Stdout)
		fmt.Println()
		drainStats.Print(os.Stdout)
	},
}

func init() {
	benchCmd.Flags().IntP("operations", "n", 1000, "operations to seed")
	benchCmd.Flags().IntP("workers", "w", 4, "concurrent append workers")
	benchCmd.Flags().Int64("seed", 42, "generator seed")
	rootCmd.AddCommand(benchCmd)
}
