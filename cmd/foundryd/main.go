// Package main implements the foundryd daemon and its control CLI.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML configuration file.
	configPath string
	// serverURL is the base URL of a running foundryd control API,
	// used by the inspection commands.
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundryd",
	Short: "Task orchestration engine for agent-driven implementation pipelines",
	Long: `foundryd drives a plan of interdependent tasks through a gated
pipeline: planning, validation, parallel implementation in isolated
working copies, verification and completion. Every phase transition is
checkpointed and every unresolved failure produces a durable
escalation.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "configuration file (YAML)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(escalationsCmd)
}
