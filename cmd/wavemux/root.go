package main

import (
	"os"

	"github.com/spf13/cobra"
)

var dbPath string

var rootCmd = &cobra.Command{
	Use:   "wavemux",
	Short: "Parallel task execution scheduler",
	Long: `Wavemux schedules interdependent tasks into waves of conflict-free
parallel work and dispatches each wave to isolated agent processes.

Tasks, their dependencies, and authored conflicts come from a YAML task
file. The scheduler predicts which files each task will touch, packs
mutually safe tasks into a wave, supervises the agents through heartbeats,
and retries or escalates failures.

Typical flow:
  wavemux run tasks.yaml     ingest the file and execute it to completion
  wavemux plan <task-list>   dry-run preview of the next wave
  wavemux status <run>       inspect a run's waves, workers, and events`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to the scheduler database (default .wavemux/state.db)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
