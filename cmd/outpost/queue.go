package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/migrate"
	"github.com/quiltworks/outpost/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and manage the pending operation log",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending operations in replay order",
	Long: `List the pending operation log in the order it will replay.

The --since and --before filters accept natural language dates
("yesterday", "2 hours ago", "last friday") as well as RFC 3339
timestamps.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		since := parseTimeFlag(cmd, "since")
		before := parseTimeFlag(cmd, "before")

		ops, err := eng.Store().ListOperationsContext(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing queue: %v\n", err)
			os.Exit(1)
		}

		shown := 0
		for _, o := range ops {
			if !since.IsZero() && o.CreatedAt.Before(since) {
				continue
			}
			if !before.IsZero() && !o.CreatedAt.Before(before) {
				continue
			}
			shown++
			fmt.Printf("%3d. %s  %s  %s\n",
				shown,
				ui.RenderMuted(o.CreatedAt.Format("2006-01-02 15:04:05")),
				ui.RenderAccent(o.ID),
				o.String())
		}

		if shown == 0 {
			fmt.Printf("%s No pending operations\n", ui.RenderPass("✓"))
			return
		}
		fmt.Printf("\n%s\n", ui.PendingBadge(shown))
	},
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of pending operations",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		count, err := eng.PendingCount(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(count)
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop all pending operations and cached snapshots",
	Long: `Remove every pending operation and cached snapshot.

Queued mutations that have not replayed yet are lost permanently.
Prompts for confirmation unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")

		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx := context.Background()

		pending, err := eng.PendingCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error counting queue: %v\n", err)
			os.Exit(1)
		}

		if !force {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title(fmt.Sprintf("Drop %d pending operations and all cached snapshots?", pending)).
				Description("Queued mutations that have not replayed are lost permanently.").
				Affirmative("Clear").
				Negative("Cancel").
				Value(&confirmed)

			if err := prompt.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if !confirmed {
				fmt.Println("Aborted")
				return
			}
		}

		if err := eng.ClearAll(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %d operations and the snapshot cache\n", ui.RenderPass("✓"), pending)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the queue and cache as legacy JSON blobs",
	Long: `Write the pending operation log and snapshot cache back out in
the legacy two-blob JSON layout, for older clients or inspection.`,
	Run: func(cmd *cobra.Command, args []string) {
		queueOut, _ := cmd.Flags().GetString("queue")
		cacheOut, _ := cmd.Flags().GetString("cache")

		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		ctx := context.Background()

		n, err := migrate.ExportQueue(ctx, eng.Store(), queueOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting queue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d operations to %s\n", ui.RenderPass("✓"), n, queueOut)

		n, err = migrate.ExportCache(ctx, eng.Store(), cacheOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d snapshots to %s\n", ui.RenderPass("✓"), n, cacheOut)
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import-legacy",
	Short: "Import legacy JSON blobs into the store",
	Long: `Import the legacy persistence layout into the sqlite store.

The legacy layout is two versionless JSON blobs: a pending-operation
array and a cache map. Imported operations keep their replay order and
retry counts. Malformed entries are skipped and reported.`,
	Run: func(cmd *cobra.Command, args []string) {
		queueIn, _ := cmd.Flags().GetString("queue")
		cacheIn, _ := cmd.Flags().GetString("cache")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		cfg := loadConfig()
		eng := openEngine(cfg)
		defer eng.Close()

		result, err := migrate.Import(context.Background(), eng.Store(), migrate.Options{
			QueuePath: queueIn,
			CachePath: cacheIn,
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
			os.Exit(1)
		}

		verb := "Imported"
		if dryRun {
			verb = "Would import"
		}
		fmt.Printf("%s %s %d operations, %d snapshots\n",
			ui.RenderPass("✓"), verb, result.OperationsImported, result.SnapshotsImported)
		for _, b := range result.BackupsCreated {
			fmt.Printf("   Backup: %s\n", b)
		}
		for _, e := range result.Errors {
			fmt.Printf("   %s %s\n", ui.RenderWarn("⚠"), e)
		}
	},
}

// parseTimeFlag parses a natural-language or RFC 3339 time flag.
// An unset flag returns the zero time.
func parseTimeFlag(cmd *cobra.Command, name string) time.Time {
	raw, _ := cmd.Flags().GetString(name)
	if raw == "" {
		return time.Time{}
	}

	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(raw, time.Now())
	if err != nil || r == nil {
		fmt.Fprintf(os.Stderr, "Error: cannot parse --%s value %q\n", name, raw)
		os.Exit(1)
	}
	return r.Time
}

func init() {
	queueListCmd.Flags().String("since", "", "only operations created at or after this time")
	queueListCmd.Flags().String("before", "", "only operations created before this time")

	queueClearCmd.Flags().BoolP("force", "f", false, "skip the confirmation prompt")

	queueExportCmd.Flags().String("queue", "outpost-queue.json", "output path for the operation blob")
	queueExportCmd.Flags().String("cache", "outpost-cache.json", "output path for the cache blob")

	queueImportCmd.Flags().String("queue", "", "legacy operation blob to import")
	queueImportCmd.Flags().String("cache", "", "legacy cache blob to import")
	queueImportCmd.Flags().Bool("dry-run", false, "parse and count without writing")
	queueImportCmd.Flags().Bool("backup", false, "create timestamped backups of the blobs")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueCountCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueExportCmd)
	queueCmd.AddCommand(queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
