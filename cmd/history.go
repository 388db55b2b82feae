package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/facetrace/internal/store"
	"github.com/andresmejia3/facetrace/internal/utils"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [run-id]",
	Short: "List past runs, or show the matched frames of one run",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if err := openDB(cmd.Context(), true); err != nil {
			return err
		}
		if len(args) == 1 {
			return runShow(cmd.Context(), args[0])
		}
		return runHistory(cmd.Context(), historyLimit)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(ctx context.Context, limit int) error {
	runs, err := DB.ListRuns(ctx, limit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tMATCHES\tFRAMES\tORIGIN\tFINISHED")
	fmt.Fprintln(w, "--\t-----\t-------\t------\t------\t--------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n", r.ID[:8], filepath.Base(r.VideoPath), r.MatchCount, r.TotalFrames, r.Origin, r.FinishedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runShow(ctx context.Context, id string) error {
	run, err := DB.GetRun(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		fmt.Printf("❌ No run with ID %s.\n", id)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to load run", err, nil)
		return err
	}

	fmt.Printf("Video:     %s\n", run.VideoPath)
	fmt.Printf("Reference: %s\n", run.ReferencePath)
	fmt.Printf("Output:    %s\n", run.Record.ProcessedVideoPath)
	fmt.Printf("Duration:  %s\n\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	return printRecord(&run.Record, false)
}
