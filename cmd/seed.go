package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"spendwise/serving"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file>",
	Short: "Append the rows of a JSON or CSV file to the training documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

// runSeed stores rows as they are read. Field coercion and completeness
// checks happen at training time, so incomplete rows are kept and later
// reported as data-quality issues.
func runSeed(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ds, err := serving.LoadDataset(args[0])
	if err != nil {
		return err
	}
	n, err := a.db.InsertDocuments(cmd.Context(), ds.Rows)
	if err != nil {
		return err
	}
	total, err := a.db.CountDocuments(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "stored %d documents from %s (%d total)\n", n, args[0], total)
	return nil
}
