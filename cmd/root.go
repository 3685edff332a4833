// Package cmd 命令行入口
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "config.yaml"

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:           "spendwise",
	Short:         "Expense prediction service",
	Long:          "Train, evaluate and serve the expense prediction model.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath, "Config file (defaults apply when the default file is absent)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override log.level from the config")
}
