package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wavemux/wavemux/internal/config"
)

var resumeFromTask string

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a run",
	Long: `Pause a run. Agents already executing finish their current tasks;
no new waves are planned until the run is resumed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, cleanup, err := lifecycleScheduler()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := sched.coord.PauseRun(args[0]); err != nil {
			return err
		}
		fmt.Printf("Run %s paused\n", args[0])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run",
	Long: `Resume a paused run. Workers with no live process are failed and
requeued. With --from-task, the named failed task is requeued without
consuming its retry budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, cleanup, err := lifecycleScheduler()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := sched.coord.ResumeRun(cmd.Context(), args[0], resumeFromTask); err != nil {
			return err
		}
		fmt.Printf("Run %s resumed\n", args[0])
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <run-id>",
	Short: "Cancel a run",
	Long: `Cancel a run. Live agents are interrupted; tasks they had not
touched are skipped, and tasks with changes already on disk are failed so
the changes get reviewed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, cleanup, err := lifecycleScheduler()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := sched.coord.CancelRun(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Run %s cancelled\n", args[0])
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeFromTask, "from-task", "", "Requeue this failed task without consuming its retry budget")
}

// lifecycleScheduler builds the stack for commands that only flip run state.
func lifecycleScheduler() (*scheduler, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return nil, nil, err
	}

	sched, err := buildScheduler(cfg, st)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	cleanup := func() {
		sched.emitter.Close()
		st.Close()
	}
	return sched, cleanup, nil
}
