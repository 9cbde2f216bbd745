package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/autopull/autopull/internal/journal"
	"github.com/autopull/autopull/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs from the journal",
	Long: `Display recent sync runs recorded in the journal, newest first.

Shows when each run started, its target, outcome, duration, and the
error for failed runs.`,
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		jnl := openJournal()
		if jnl == nil {
			fmt.Fprintf(os.Stderr, "Error: journal not available\n")
			os.Exit(1)
		}
		defer jnl.Close()

		runs, err := jnl.Recent(context.Background(), limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading journal: %v\n", err)
			os.Exit(1)
		}

		if len(runs) == 0 {
			fmt.Println("No sync runs recorded yet")
			return
		}

		for _, r := range runs {
			marker := ui.RenderPass("✓")
			switch r.Outcome {
			case journal.OutcomeError:
				marker = ui.RenderFail("✗")
			case journal.OutcomeRunning:
				marker = ui.RenderWarn("…")
			}

			fmt.Printf("%s %s  %s (branch %s) -> %s  [%v, %d lines]\n",
				marker,
				r.StartedAt.Local().Format(time.DateTime),
				r.GitURL, r.Branch, r.Dir,
				r.Duration().Round(time.Millisecond), r.Lines)
			if r.Error != "" {
				fmt.Printf("   %s\n", ui.RenderDim(r.Error))
			}
		}
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")

	rootCmd.AddCommand(historyCmd)
}
