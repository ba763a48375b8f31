package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/pkg/models"
)

var statusTaskID string

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show run state",
	Long: `Without arguments, lists active runs. With a run id, shows the
run's waves, task assignments, live workers, and recent events. Use --task
to print a single task's full transition history instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusTaskID, "task", "", "Show the transition history for one task")
}

func runStatus(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if statusTaskID != "" {
		return showTaskHistory(st, statusTaskID)
	}

	if len(args) == 0 {
		return showActiveRuns(st)
	}
	return showRun(st, args[0])
}

func showActiveRuns(st *store.Store) error {
	runs, err := st.ActiveRuns()
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No active runs. Start one with 'wavemux run <task-file>'.")
		return nil
	}

	fmt.Println("Active runs:")
	for _, run := range runs {
		elapsed := ""
		if run.StartedAt != nil {
			elapsed = fmt.Sprintf(" (%s ago)", formatDuration(time.Since(*run.StartedAt)))
		}
		fmt.Printf("  %s  #%d %s%s  %d/%d tasks done\n",
			run.ID, run.RunNumber, colorRunStatus(run.Status), elapsed,
			run.Completed, run.TotalTasks)
	}
	return nil
}

func showRun(st *store.Store, runID string) error {
	run, err := st.GetRun(runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (#%d)\n", run.ID, run.RunNumber)
	fmt.Printf("  Status: %s\n", colorRunStatus(run.Status))
	fmt.Printf("  Tasks: %d completed, %d failed, %d skipped (of %d)\n",
		run.Completed, run.Failed, run.Skipped, run.TotalTasks)
	if run.StartedAt != nil {
		fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(*run.StartedAt)))
	}

	waves, err := st.ListWaves(run.ID)
	if err != nil {
		return err
	}
	for _, wave := range waves {
		fmt.Printf("\nWave %d  %s\n", wave.WaveNumber, colorWaveStatus(wave.Status))
		assignments, err := st.ListAssignments(wave.ID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			title := a.TaskID
			if task, err := st.GetTask(a.TaskID); err == nil {
				title = fmt.Sprintf("%s  %s", task.DisplayID, task.Title)
			}
			fmt.Printf("  %-10s %s\n", a.Status, title)
		}

		workers, err := st.ListActiveWorkers(wave.ID)
		if err != nil {
			return err
		}
		for _, w := range workers {
			beat := "never"
			if !w.LastHeartbeatAt.IsZero() {
				beat = formatDuration(time.Since(w.LastHeartbeatAt)) + " ago"
			}
			fmt.Printf("  worker %s  pid %d  %s  last heartbeat %s\n",
				w.ID, w.PID, w.Status, beat)
		}
	}

	events, err := st.ListEvents(run.ID)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Println("\nRecent events:")
		start := 0
		if len(events) > 15 {
			start = len(events) - 15
		}
		for _, ev := range events[start:] {
			line := string(ev.Type)
			if ev.Message != "" {
				line += ": " + ev.Message
			}
			fmt.Printf("  %s  %s\n", ev.Timestamp.Format("15:04:05"), line)
		}
	}
	return nil
}

func showTaskHistory(st *store.Store, taskID string) error {
	task, err := st.GetTask(taskID)
	if err != nil {
		return err
	}

	fmt.Printf("Task %s  %s\n", task.DisplayID, task.Title)
	fmt.Printf("  Status: %s  Retries: %d\n", task.Status, task.RetryCount)
	if task.Error != "" {
		color.Red("  Error: %s", task.Error)
	}
	if task.BlockedReason != "" {
		color.Yellow("  Blocked: %s", task.BlockedReason)
	}

	history, err := st.TaskStatusHistory(taskID)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return nil
	}

	fmt.Println("\nTransitions:")
	for _, h := range history {
		line := fmt.Sprintf("  %s  %s -> %s",
			h.ChangedAt.Format("15:04:05"), h.FromStatus, h.ToStatus)
		if h.Reason != "" {
			line += "  (" + h.Reason + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func colorRunStatus(s models.RunStatus) string {
	switch s {
	case models.RunStatusRunning:
		return color.CyanString(string(s))
	case models.RunStatusCompleted:
		return color.GreenString(string(s))
	case models.RunStatusFailed:
		return color.RedString(string(s))
	case models.RunStatusPaused, models.RunStatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

func colorWaveStatus(s models.WaveStatus) string {
	switch s {
	case models.WaveStatusInProgress:
		return color.CyanString(string(s))
	case models.WaveStatusCompleted:
		return color.GreenString(string(s))
	case models.WaveStatusFailed:
		return color.RedString(string(s))
	case models.WaveStatusCancelled:
		return color.YellowString(string(s))
	default:
		return string(s)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
