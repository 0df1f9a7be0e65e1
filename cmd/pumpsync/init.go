package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/config"
	"github.com/pumplink/pumpsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Create the config file and spool directory with default settings.

Edit base_url and api_secret afterwards to point at your aggregation
service. Refuses to overwrite an existing config.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}

		cfg := config.Default()
		if err := config.Write(cfg, path); err != nil {
			fatalf("%v", err)
		}
		if err := os.MkdirAll(cfg.SpoolDir, 0o755); err != nil {
			fatalf("failed to create spool directory: %v", err)
		}

		fmt.Printf("%s Wrote %s\n", ui.RenderPass("✓"), path)
		fmt.Printf("   Spool directory: %s\n", cfg.SpoolDir)
		fmt.Printf("\nSet base_url and api_secret, then run 'pumpsync sync'\n")
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
