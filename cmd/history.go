package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	flagHistoryLimit  int
	flagHistoryIssues bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent training runs",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&flagHistoryLimit, "limit", "n", 20, "Number of runs to show")
	historyCmd.Flags().BoolVar(&flagHistoryIssues, "issues", false, "Also list the data-quality issues of each run")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, _ []string) error {
	if flagHistoryLimit <= 0 {
		return errors.Newf("--limit must be positive, got %d", flagHistoryLimit)
	}
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	runs, err := a.db.LoadTrainingLog(ctx, flagHistoryLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(runs) == 0 {
		fmt.Fprintln(out, "no training runs recorded")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GENERATION\tTRAINED AT\tROWS\tDROPPED\tEPOCHS\tBEST LOSS\tEARLY STOP")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d/%d\t%.6f\t%t\n",
			r.Generation, r.TrainedAt.Local().Format(time.DateTime),
			r.DataPoints, r.DroppedRows, r.BestEpoch, r.Epochs, r.BestLoss, r.StoppedEarly)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if !flagHistoryIssues {
		return nil
	}
	for _, r := range runs {
		issues, err := a.db.QualityIssues(ctx, r.Generation)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			continue
		}
		fmt.Fprintf(out, "\n%s: %d issues\n", r.Generation, len(issues))
		for _, is := range issues {
			fmt.Fprintf(out, "  row %d  %s  %s  %s\n", is.Row, is.Severity, is.IssueType, is.Message)
		}
	}
	return nil
}
