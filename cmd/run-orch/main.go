package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "run-orch",
		Short: "Agent run orchestrator",
		Long: `run-orch drives coding-agent workflow runs through a verifier/worker
loop, dispatches steps to runners with single-use callback tokens, and
schedules review passes over pull request diffs.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
