package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/ui"
)

var lookbackCmd = &cobra.Command{
	Use:   "lookback <hours>",
	Short: "Set the cold-start lookback window",
	Long: `Set how far back the first sync of a category reaches.

A category that has never synced has no watermark to resume from; instead
of pulling the pump's entire lifetime of history, its first fetch is
bounded to this many hours before now.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		hours, err := strconv.Atoi(args[0])
		if err != nil {
			fatalf("hours must be an integer, got %q", args[0])
		}

		cfg := loadConfig()
		st := openStore(cfg)
		defer st.Close()

		ctx := context.Background()
		if _, err := st.EnsureGlobalState(ctx); err != nil {
			fatalf("failed to initialize sync state: %v", err)
		}
		if err := st.SetLookbackHours(ctx, hours); err != nil {
			fatalf("%v", err)
		}

		fmt.Printf("%s Lookback window set to %dh\n", ui.RenderPass("✓"), hours)
	},
}

func init() {
	rootCmd.AddCommand(lookbackCmd)
}
