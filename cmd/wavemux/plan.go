package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavemux/wavemux/internal/config"
)

var planCmd = &cobra.Command{
	Use:   "plan <task-list-id>",
	Short: "Preview the next wave without dispatching anything",
	Long: `Compute what the next wave for a task list would contain and why
the remaining tasks would wait. Nothing is written: no wave is created and
no task changes status.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	sched, err := buildScheduler(cfg, st)
	if err != nil {
		return err
	}
	defer sched.emitter.Close()

	plan, err := sched.planner.Preview(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	titles := make(map[string]string)
	tasks, err := st.ListTasks(args[0])
	if err != nil {
		return err
	}
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}

	if len(plan.Tasks) == 0 {
		fmt.Println("Next wave: nothing schedulable")
	} else {
		fmt.Printf("Next wave: %d task(s)\n", len(plan.Tasks))
		for _, t := range plan.Tasks {
			color.Green("  + %s  %s", t.DisplayID, t.Title)
		}
	}

	if len(plan.Excluded) > 0 {
		fmt.Printf("\nDeferred to a later wave:\n")
		for _, ex := range plan.Excluded {
			color.Yellow("  ~ %s  %s", titles[ex.TaskID], ex.Reason)
		}
	}

	if len(plan.Blocked) > 0 {
		fmt.Printf("\nBlocked:\n")
		for id, reason := range plan.Blocked {
			color.Red("  x %s  %s", titles[id], reason)
		}
	}

	fmt.Printf("\n%d task(s) not yet terminal in this list\n", plan.Remaining)
	return nil
}
