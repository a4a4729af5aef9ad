package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/quiltworks/outpost/internal/config"
	"github.com/quiltworks/outpost/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default outpost.yaml",
	Long: `Write the default configuration to outpost.yaml in the current
directory (or the path given with --output). Refuses to overwrite an
existing file unless --force is given.`,
	Run: func(cmd *cobra.Command, args []string) {
		output, _ := cmd.Flags().GetString("output")
		force, _ := cmd.Flags().GetBool("force")

		if _, err := os.Stat(output); err == nil && !force {
			fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", output)
			os.Exit(1)
		}

		rendered, err := config.Default().RenderYAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error rendering config: %v\n", err)
			os.Exit(1)
		}

		if dir := filepath.Dir(output); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				fmt.Fprintf(os.Stderr, "Error creating directory: %v\n", err)
				os.Exit(1)
			}
		}

		if err := os.WriteFile(output, rendered, 0600); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing config: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Wrote default configuration to %s\n", ui.RenderPass("✓"), output)
		fmt.Println("   Set server.base_url and server.entities to enable replay")
	},
}

func init() {
	initCmd.Flags().StringP("output", "o", "outpost.yaml", "path to write")
	initCmd.Flags().BoolP("force", "f", false, "overwrite an existing file")
	rootCmd.AddCommand(initCmd)
}
