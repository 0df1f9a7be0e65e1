package main

import (
	"context"
	"fmt"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/pumplink/pumpsync/internal/ui"
)

var (
	backfillFrom  string
	backfillTo    string
	backfillClear bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill --from <time> --to <time>",
	Short: "Schedule a retroactive backfill window",
	Long: `Re-upload history whose event time falls inside a window, without
touching the forward watermarks. The window is one-shot: it is cleared
automatically after the first pass that covers it with every category
succeeding.

Times accept natural language as well as timestamps:

  pumpsync backfill --from "yesterday 6am" --to "yesterday noon"
  pumpsync backfill --from "2026-08-20 00:00" --to "2026-08-21 00:00"
  pumpsync backfill --clear`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		st := openStore(cfg)
		defer st.Close()

		ctx := context.Background()
		if _, err := st.EnsureGlobalState(ctx); err != nil {
			fatalf("failed to initialize sync state: %v", err)
		}

		if backfillClear {
			if err := st.SetRetroactiveRange(ctx, nil, nil); err != nil {
				fatalf("failed to clear backfill window: %v", err)
			}
			fmt.Printf("%s Backfill window cleared\n", ui.RenderPass("✓"))
			return
		}

		if backfillFrom == "" || backfillTo == "" {
			fatalf("both --from and --to are required (or --clear)")
		}

		start := parseWhen(backfillFrom)
		end := parseWhen(backfillTo)

		if err := st.SetRetroactiveRange(ctx, &start, &end); err != nil {
			fatalf("failed to set backfill window: %v", err)
		}

		fmt.Printf("%s Backfill scheduled: %s → %s\n", ui.RenderPass("✓"),
			start.Local().Format("2006-01-02 15:04"),
			end.Local().Format("2006-01-02 15:04"))
		fmt.Println("   The window applies on the next sync pass and clears itself once covered")
	},
}

// parseWhen resolves a natural-language or absolute time expression.
func parseWhen(expr string) time.Time {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(expr, time.Now())
	if err != nil {
		fatalf("failed to parse time %q: %v", expr, err)
	}
	if r == nil {
		// Not natural language; try absolute formats.
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
			if t, err := time.ParseInLocation(layout, expr, time.Local); err == nil {
				return t
			}
		}
		fatalf("could not understand time %q", expr)
	}
	return r.Time
}

func init() {
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "window start")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "window end")
	backfillCmd.Flags().BoolVar(&backfillClear, "clear", false, "clear the pending window")
	rootCmd.AddCommand(backfillCmd)
}
