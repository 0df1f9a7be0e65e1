package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass now",
	Long: `Run a single fetch/upload pass and print per-category results.

Each history category fetches independently; a category that fails is
reported and simply resumes from its durable watermark on the next pass.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st := openStore(cfg)
		defer st.Close()

		logger := log.New(os.Stderr, "[engine] ", log.LstdFlags)
		o := buildOrchestrator(cfg, st, logger)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Printf("%s Syncing to %s...\n", ui.RenderAccent("→"), cfg.BaseURL)

		result, err := o.RunPass(ctx)
		if err != nil {
			fatalf("sync pass failed: %v", err)
		}

		uploaded := 0
		for _, c := range result.Categories {
			uploaded += c.Uploaded
			switch {
			case c.Err != nil:
				fmt.Printf("  %s %-15s %v\n", ui.RenderError("✗"), c.Type.Name(), c.Err)
			case c.Uploaded > 0:
				fmt.Printf("  %s %-15s uploaded %d, watermark %d\n",
					ui.RenderPass("✓"), c.Type.Name(), c.Uploaded, c.Watermark)
			default:
				fmt.Printf("  %s %-15s up to date\n", ui.RenderMuted("·"), c.Type.Name())
			}
		}

		if failed := result.Failed(); len(failed) > 0 {
			fmt.Printf("\n%s Partial sync: uploaded %d, %d categories pending retry (%v)\n",
				ui.RenderWarn("⚠"), uploaded, len(failed), result.Duration.Round(time.Millisecond))
			os.Exit(1)
		}

		fmt.Printf("\n%s Sync complete: uploaded %d, healed %d (%v)\n",
			ui.RenderPass("✓"), uploaded, result.Healed, result.Duration.Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
