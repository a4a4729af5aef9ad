// Command outpost manages the offline mutation queue: inspect and
// replay pending operations, run the sync daemon, and monitor it over
// the WebSocket dashboard.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/config"
	"github.com/quiltworks/outpost/internal/engine"
)

var (
	// Version is set at build time via -ldflags.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:     "outpost",
	Version: Version,
	Short:   "Offline mutation queue and sync engine",
	Long: `Outpost queues mutations while the backend is unreachable and
replays them in order once connectivity returns.

State lives in a local SQLite database: a FIFO operation log plus a
snapshot cache that serves reads while offline. Configuration is read
from outpost.yaml (see 'outpost init') and OUTPOST_* environment
variables.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./outpost.yaml, ~/.outpost/outpost.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "advanced", Title: "Advanced Commands:"},
	)
}

// loadConfig loads the layered configuration for the current command.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openEngine builds an engine from the loaded configuration. The
// caller must Close it.
func openEngine(cfg *config.Config) *engine.Engine {
	ec, err := cfg.EngineConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building engine config: %v\n", err)
		os.Exit(1)
	}

	eng, err := engine.New(ec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
		os.Exit(1)
	}
	return eng
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
