package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a new model generation from the stored documents and publish it",
	Args:  cobra.NoArgs,
	RunE:  runTrain,
}

func init() {
	rootCmd.AddCommand(trainCmd)
}

func runTrain(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.trainer().Run(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	r := res.Report
	fmt.Fprintf(out, "generation     %s\n", res.Manifest.Generation)
	fmt.Fprintf(out, "rows           %d (dropped %d)\n", res.Rows, res.Dropped)
	fmt.Fprintf(out, "epochs         %d (best %d, early stop %t)\n", r.Epochs, r.BestEpoch, r.StoppedEarly)
	fmt.Fprintf(out, "best loss      %.6f\n", r.BestLoss)
	fmt.Fprintf(out, "learning rate  %g\n", r.FinalLearningRate)
	fmt.Fprintf(out, "seed           %d\n", r.Seed)
	fmt.Fprintf(out, "duration       %s\n", r.Duration.Round(time.Millisecond))
	return nil
}
