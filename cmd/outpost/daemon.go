package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/quiltworks/outpost/internal/dashboard"
	"github.com/quiltworks/outpost/internal/engine"
	"github.com/quiltworks/outpost/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync engine in the foreground",
	Long: `Run the sync engine until interrupted.

The daemon:
  1. Monitors connectivity (probe URL and/or offline marker file)
  2. Replays the queue on every offline-to-online transition
  3. Re-checks periodically as a fallback
  4. Optionally serves the WebSocket dashboard

With log.file configured, output is rotated with lumberjack. Stop with
Ctrl+C; an in-flight replay cycle finishes before shutdown.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		// Rotated file logging when configured.
		var logOut io.Writer = os.Stderr
		if cfg.Log.File != "" {
			logOut = io.MultiWriter(os.Stderr, &lumberjack.Logger{
				Filename:   cfg.Log.File,
				MaxSize:    cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
			})
		}

		ec, err := cfg.EngineConfig()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error building engine config: %v\n", err)
			os.Exit(1)
		}
		ec.Logger = log.New(logOut, "[daemon] ", log.LstdFlags)

		eng, err := engine.New(ec)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening queue: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := eng.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting engine: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Sync daemon started\n", ui.RenderAccent("🚀"))
		fmt.Printf("   Store: %s\n", cfg.StorePath)
		if cfg.Connectivity.ProbeURL != "" {
			fmt.Printf("   Probe: %s every %v\n", cfg.Connectivity.ProbeURL, cfg.Connectivity.ProbeInterval)
		}
		if cfg.Connectivity.MarkerPath != "" {
			fmt.Printf("   Offline marker: %s\n", cfg.Connectivity.MarkerPath)
		}

		// Optional dashboard with the event-bus bridge.
		var server *dashboard.Server
		var handler *dashboard.Handler
		if cfg.Dashboard.Enabled {
			server = dashboard.NewServer(&dashboard.Config{
				Port:   cfg.Dashboard.Port,
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			if err := server.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
				os.Exit(1)
			}

			handler = dashboard.NewHandler(eng, server, &dashboard.HandlerConfig{
				Logger: log.New(logOut, "[dashboard] ", log.LstdFlags),
			})
			if err := handler.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error starting dashboard handler: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", cfg.Dashboard.Port)
		}

		fmt.Println("\nPress Ctrl+C to stop")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if handler != nil {
			handler.Stop()
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
			}
		}
		eng.Stop()
		fmt.Println("Daemon stopped")
	},
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
