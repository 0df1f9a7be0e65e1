package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/history"
	"github.com/pumplink/pumpsync/internal/store"
	"github.com/pumplink/pumpsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state",
	Long: `Display the global watermark, the per-category watermarks, and when
each category last completed a sync.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st := openStore(cfg)
		defer st.Close()

		ctx := context.Background()

		g, err := st.GlobalState()
		if err != nil {
			fatalf("failed to read sync state: %v", err)
		}

		fmt.Printf("\n%s Sync Status\n\n", ui.RenderBold("pumpsync"))
		fmt.Printf("State:  %s\n", cfg.DatabasePath)
		fmt.Printf("Remote: %s\n", cfg.BaseURL)

		if g == nil {
			fmt.Printf("\n%s Sync has never run\n\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("\nGlobal watermark: %d\n", g.LastProcessedSeq)
		fmt.Printf("Last sync:        %s\n", formatTime(g.LastSyncTime))
		fmt.Printf("Enabled since:    %s\n", formatTime(g.FirstEnabledTime))
		fmt.Printf("Lookback window:  %dh\n", g.LookbackHours)
		if g.HasRetroactiveRange() {
			fmt.Printf("Backfill window:  %s %s → %s\n", ui.RenderAccent("active"),
				g.RetroStart.Local().Format("2006-01-02 15:04"),
				g.RetroEnd.Local().Format("2006-01-02 15:04"))
		}

		states, err := st.AllProcessorStates(ctx)
		if err != nil {
			fatalf("failed to read category states: %v", err)
		}
		byName := make(map[string]store.ProcessorState, len(states))
		for _, ps := range states {
			byName[ps.Type.Name()] = ps
		}

		fmt.Printf("\n%-15s %10s  %s\n", "CATEGORY", "WATERMARK", "LAST SUCCESS")
		for _, pt := range history.AllProcessors() {
			ps, ok := byName[pt.Name()]
			if !ok {
				fmt.Printf("%-15s %10s  %s\n", pt.Name(), ui.RenderMuted("-"), ui.RenderMuted("never"))
				continue
			}
			fmt.Printf("%-15s %10d  %s\n", pt.Name(), ps.LastProcessedSeq, formatTime(ps.LastSuccessTime))
		}
		fmt.Println()
	},
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ui.RenderMuted("never")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
