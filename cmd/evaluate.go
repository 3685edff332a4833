package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"spendwise/serving"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [dataset]",
	Short: "Score the published model against a labeled JSON or CSV dataset",
	Long: "Score the published model against a labeled dataset. Without an argument " +
		"the evaluation.dataset_path from the config is used. Nothing is trained.",
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	artifacts, err := a.artifacts.Load()
	if err != nil {
		return err
	}
	res := &serving.Resources{
		Transform: artifacts.Transform,
		Model:     artifacts.Model,
		Manifest:  artifacts.Manifest,
		LoadedAt:  time.Now(),
	}

	opts := a.cfg.ServingOptions().Evaluation
	opts.Watch = false
	opts.CacheSize = 0
	eval, err := serving.NewEvaluationService(res, opts, nil, a.log)
	if err != nil {
		return err
	}
	defer eval.Close()

	var path string
	if len(args) == 1 {
		path = args[0]
	}
	report, err := eval.Evaluate(cmd.Context(), path)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
