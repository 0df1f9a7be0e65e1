package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/ui"
)

var resetForce bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Erase all sync state",
	Long: `Delete the global watermark and every per-category watermark.

The next sync starts cold: each category's first fetch is bounded by the
lookback window, and already-uploaded records re-submitted during that
window are deduplicated by the remote service. Nothing is deleted
remotely.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		if !resetForce {
			var confirmed bool
			prompt := huh.NewConfirm().
				Title("Erase all sync state?").
				Description("Every category will re-sync from the lookback window.").
				Affirmative("Erase").
				Negative("Cancel").
				Value(&confirmed)
			if err := prompt.Run(); err != nil {
				fatalf("%v", err)
			}
			if !confirmed {
				fmt.Println("Cancelled")
				return
			}
		}

		st := openStore(cfg)
		defer st.Close()

		if err := st.ClearAll(context.Background()); err != nil {
			fatalf("failed to clear sync state: %v", err)
		}

		fmt.Printf("%s Sync state erased\n", ui.RenderPass("✓"))
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetForce, "force", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}
