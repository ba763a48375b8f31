package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/wavemux/wavemux/internal/config"
	"github.com/wavemux/wavemux/internal/ingest"
	"github.com/wavemux/wavemux/pkg/models"
)

var (
	runProject     string
	runTriggeredBy string
)

var runCmd = &cobra.Command{
	Use:   "run <task-file.yaml>",
	Short: "Ingest a task file and execute it to completion",
	Long: `Ingest a YAML task file and run the scheduler until every task
reaches a terminal state.

The scheduler plans waves of conflict-free tasks, spawns one agent process
per task, and supervises them through heartbeats. Interrupting with Ctrl-C
pauses the run; resume it later with 'wavemux resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "", "Project identifier recorded on the task list")
	runCmd.Flags().StringVar(&runTriggeredBy, "triggered-by", "cli", "Who or what started this run")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	file, err := ingest.ParseFile(args[0])
	if err != nil {
		return err
	}
	if runProject != "" {
		file.Project = runProject
	}

	res, err := ingest.Import(st, file)
	if err != nil {
		return err
	}
	fmt.Printf("Imported %d tasks (%d relationships) into list %s\n",
		len(res.TaskIDs), res.Relationships, res.TaskListID)

	sched, err := buildScheduler(cfg, st)
	if err != nil {
		return err
	}
	defer sched.emitter.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run, err := sched.coord.StartRun(ctx, res.TaskListID, runTriggeredBy)
	if err != nil {
		return err
	}
	fmt.Printf("Started run %s (#%d)\n\n", run.ID, run.RunNumber)

	go printEvents(sched.emitter.Events())

	loopCtx, cancelLoop := context.WithCancel(ctx)
	defer cancelLoop()

	go sched.coord.Run(loopCtx)
	go sweepLoop(loopCtx, sched, cfg.Supervisor.SweepInterval)

	// First tick immediately so the run does not wait out a full interval.
	if err := sched.coord.Tick(ctx); err != nil {
		return err
	}

	final := waitForRun(loopCtx, sched, run.ID)
	cancelLoop()

	if final == nil || !final.Status.Terminal() {
		// Interrupted. Pause so the run can be resumed later.
		if err := sched.coord.PauseRun(run.ID); err != nil {
			return err
		}
		fmt.Printf("\nRun paused. Resume with: wavemux resume %s\n", run.ID)
		return nil
	}

	printRunSummary(final)
	if final.Status == models.RunStatusFailed {
		os.Exit(1)
	}
	return nil
}

// sweepLoop drives stuck-worker detection on its own cadence.
func sweepLoop(ctx context.Context, sched *scheduler, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sched.coord.SweepStuck(ctx)
		}
	}
}

// waitForRun polls until the run reaches a terminal status or the context
// is cancelled. Returns the last observed run state.
func waitForRun(ctx context.Context, sched *scheduler, runID string) *models.ExecutionRun {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last *models.ExecutionRun
	for {
		select {
		case <-ctx.Done():
			return last
		case <-ticker.C:
			run, err := sched.store.GetRun(runID)
			if err != nil {
				continue
			}
			last = run
			if run.Status.Terminal() {
				return run
			}
		}
	}
}

// printEvents streams scheduler events to stdout as they happen.
func printEvents(ch <-chan models.Event) {
	for ev := range ch {
		line := string(ev.Type)
		if ev.Message != "" {
			line += ": " + ev.Message
		}
		stamp := ev.Timestamp.Format("15:04:05")
		switch ev.Type {
		case models.EventTaskCompleted, models.EventWaveCompleted, models.EventRunCompleted:
			color.Green("%s  %s", stamp, line)
		case models.EventTaskFailed, models.EventWaveFailed, models.EventRunFailed, models.EventWorkerKilled:
			color.Red("%s  %s", stamp, line)
		case models.EventTaskRetried, models.EventTaskEscalated, models.EventWorkerStuck:
			color.Yellow("%s  %s", stamp, line)
		default:
			fmt.Printf("%s  %s\n", stamp, line)
		}
	}
}

func printRunSummary(run *models.ExecutionRun) {
	fmt.Println()
	switch run.Status {
	case models.RunStatusCompleted:
		color.Green("Run %s completed", run.ID)
	case models.RunStatusFailed:
		color.Red("Run %s failed", run.ID)
	case models.RunStatusCancelled:
		color.Yellow("Run %s cancelled", run.ID)
	}
	fmt.Printf("  Tasks: %d completed, %d failed, %d skipped (of %d)\n",
		run.Completed, run.Failed, run.Skipped, run.TotalTasks)
}
