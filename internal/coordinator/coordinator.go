// Package coordinator drives execution runs. A single-threaded tick loop is
// the only writer of run and wave state; real parallelism lives in the
// workers. Each tick services every active run: sweeping for stuck workers,
// closing finished waves, applying the failure-rate circuit breaker, and
// planning and dispatching the next wave behind the wave barrier.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wavemux/wavemux/internal/events"
	"github.com/wavemux/wavemux/internal/planner"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/internal/supervisor"
	"github.com/wavemux/wavemux/pkg/models"
)

// Config carries the coordinator's thresholds.
type Config struct {
	// TickInterval is the control loop period.
	TickInterval time.Duration
	// WaveFailureThreshold is the failure rate above which a finished wave
	// trips the circuit breaker and fails the run.
	WaveFailureThreshold float64
}

// Coordinator owns the run lifecycle.
type Coordinator struct {
	store      *store.Store
	planner    *planner.Planner
	supervisor *supervisor.Supervisor
	emitter    *events.Emitter
	cfg        Config
}

// New creates a coordinator.
func New(st *store.Store, p *planner.Planner, sup *supervisor.Supervisor, emitter *events.Emitter, cfg Config) *Coordinator {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 30 * time.Second
	}
	if cfg.WaveFailureThreshold <= 0 {
		cfg.WaveFailureThreshold = 0.5
	}
	return &Coordinator{
		store:      st,
		planner:    p,
		supervisor: sup,
		emitter:    emitter,
		cfg:        cfg,
	}
}

// StartRun creates a run for the task list and moves it to running. Only one
// active run per task list is allowed; a second start fails with ErrRunActive.
func (c *Coordinator) StartRun(ctx context.Context, taskListID, triggeredBy string) (*models.ExecutionRun, error) {
	run, err := c.store.CreateRun(taskListID, triggeredBy)
	if err != nil {
		return nil, err
	}
	if err := c.store.UpdateRunStatus(run.ID, models.RunStatusRunning); err != nil {
		return nil, err
	}
	run.Status = models.RunStatusRunning
	c.emitter.Emit(models.Event{Type: models.EventRunStarted, RunID: run.ID})
	return run, nil
}

// PauseRun stops new dispatch for the run. In-flight workers run to
// completion. Pausing a paused run is a no-op.
func (c *Coordinator) PauseRun(runID string) error {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusPaused {
		return nil
	}
	if err := c.store.UpdateRunStatus(runID, models.RunStatusPaused); err != nil {
		return err
	}
	c.emitter.Emit(models.Event{Type: models.EventRunPaused, RunID: runID})
	return nil
}

// ResumeRun moves a paused run back to running, reconstructing its working
// state from the store: workers recorded as active with no live process are
// failed and their tasks requeued. A non-empty fromTaskID additionally
// requeues that failed task immediately, without consuming its retry budget.
func (c *Coordinator) ResumeRun(ctx context.Context, runID, fromTaskID string) error {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status == models.RunStatusRunning {
		return nil
	}
	if err := c.store.UpdateRunStatus(runID, models.RunStatusRunning); err != nil {
		return err
	}

	if wave, err := c.store.CurrentWave(runID); err == nil && !wave.Status.Terminal() {
		if err := c.supervisor.Recover(ctx, run, wave); err != nil {
			return fmt.Errorf("recover wave %s: %w", wave.ID, err)
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if fromTaskID != "" {
		task, err := c.store.GetTask(fromTaskID)
		if err != nil {
			return err
		}
		if task.Status == models.TaskStatusFailed {
			if err := c.store.UpdateTaskStatus(fromTaskID, models.TaskStatusPending, "resume requested"); err != nil {
				return err
			}
		}
	}

	c.emitter.Emit(models.Event{Type: models.EventRunResumed, RunID: runID})
	return nil
}

// CancelRun cancels the run: live workers get a graceful interrupt, and
// undispatched work is skipped. Workers that stopped before changing files
// leave their task skipped; ones that had already written leave it failed.
// Cancelling a terminal run is a no-op.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	run, err := c.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := c.store.UpdateRunStatus(runID, models.RunStatusCancelled); err != nil {
		return err
	}

	if wave, err := c.store.CurrentWave(runID); err == nil && !wave.Status.Terminal() {
		if err := c.supervisor.CancelWave(ctx, run, wave); err != nil {
			return err
		}
		if err := c.store.UpdateWaveStatus(wave.ID, models.WaveStatusCancelled); err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	// Tasks never bound to a wave are skipped outright. Failed tasks stay
	// failed for the audit trail.
	tasks, err := c.store.ListTasks(run.TaskListID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusEvaluating,
			models.TaskStatusReady, models.TaskStatusBlocked:
			if uErr := c.store.UpdateTaskStatus(task.ID, models.TaskStatusSkipped, "run cancelled"); uErr != nil {
				log.Printf("[coordinator] skip %s on cancel: %v", task.ID, uErr)
			}
		}
	}

	c.updateRunCounts(runID, run.TaskListID)
	c.emitter.Emit(models.Event{Type: models.EventRunCancelled, RunID: runID})
	return nil
}

// Run drives the tick loop until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.Tick(ctx); err != nil {
				log.Printf("[coordinator] tick: %v", err)
			}
		}
	}
}

// SweepStuck runs one stuck-detection pass over every open wave. Callers
// drive this on its own cadence so heartbeat enforcement is not tied to the
// planning tick.
func (c *Coordinator) SweepStuck(ctx context.Context) error {
	runs, err := c.store.ActiveRuns()
	if err != nil {
		return err
	}
	for _, run := range runs {
		wave, err := c.store.CurrentWave(run.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if wave.Status != models.WaveStatusInProgress {
			continue
		}
		if err := c.supervisor.CheckStuck(ctx, run, wave); err != nil {
			log.Printf("[coordinator] stuck sweep run %s: %v", run.ID, err)
		}
	}
	return nil
}

// Tick services every active run once.
func (c *Coordinator) Tick(ctx context.Context) error {
	runs, err := c.store.ActiveRuns()
	if err != nil {
		return err
	}
	for _, run := range runs {
		if err := c.service(ctx, run); err != nil {
			log.Printf("[coordinator] run %s: %v", run.ID, err)
		}
	}
	return nil
}

// service advances one run by at most one step: supervise the open wave,
// close it when its work is settled, or plan the next one.
func (c *Coordinator) service(ctx context.Context, run *models.ExecutionRun) error {
	wave, err := c.store.CurrentWave(run.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if wave != nil && !wave.Status.Terminal() {
		if wave.Status == models.WaveStatusPending {
			// Planned but never dispatched, e.g. after a restart.
			return c.dispatchWave(ctx, run, wave)
		}
		if err := c.supervisor.CheckStuck(ctx, run, wave); err != nil {
			return err
		}
		c.supervisor.ProcessRetries()
		return c.maybeCloseWave(run, wave)
	}

	c.supervisor.ProcessRetries()

	if run.Status != models.RunStatusRunning {
		return nil
	}
	return c.planAndDispatch(ctx, run)
}

// maybeCloseWave closes the wave once every assignment is settled, applying
// the failure-rate circuit breaker.
func (c *Coordinator) maybeCloseWave(run *models.ExecutionRun, wave *models.ExecutionWave) error {
	assignments, err := c.store.ListAssignments(wave.ID)
	if err != nil {
		return err
	}

	completed, failed := 0, 0
	for _, a := range assignments {
		switch a.Status {
		case models.AssignmentCompleted:
			completed++
		case models.AssignmentFailed:
			failed++
		case models.AssignmentSkipped:
		default:
			return nil
		}
	}

	if err := c.store.UpdateWaveCounts(wave.ID, completed, failed); err != nil {
		return err
	}

	// The breaker judges the wave by what happened to its assignments. A
	// failed assignment counts even when the retry policy has already
	// requeued the task; retries into later waves only happen when the run
	// survives this one.
	failureRate := 0.0
	if len(assignments) > 0 {
		failureRate = float64(failed) / float64(len(assignments))
	}

	if failureRate > c.cfg.WaveFailureThreshold {
		if err := c.store.UpdateWaveStatus(wave.ID, models.WaveStatusFailed); err != nil {
			return err
		}
		c.emitter.Emit(models.Event{
			Type: models.EventWaveFailed, RunID: run.ID, WaveID: wave.ID,
			Message: fmt.Sprintf("%d of %d tasks failed", failed, len(assignments)),
		})
		return c.failRun(run, fmt.Sprintf("wave %d failure rate %.0f%% exceeded threshold", wave.WaveNumber, failureRate*100))
	}

	if err := c.store.UpdateWaveStatus(wave.ID, models.WaveStatusCompleted); err != nil {
		return err
	}
	c.updateRunCounts(run.ID, run.TaskListID)
	c.emitter.Emit(models.Event{
		Type: models.EventWaveCompleted, RunID: run.ID, WaveID: wave.ID,
		Payload: map[string]any{"completed": completed, "failed": failed},
	})
	return nil
}

// planAndDispatch plans the next wave and dispatches it, or settles the run
// when nothing remains schedulable.
func (c *Coordinator) planAndDispatch(ctx context.Context, run *models.ExecutionRun) error {
	wave, plan, err := c.planner.PlanNextWave(ctx, run)
	if errors.Is(err, planner.ErrDeadlock) {
		return c.failRun(run, err.Error())
	}
	if err != nil {
		return err
	}

	if wave != nil {
		return c.dispatchWave(ctx, run, wave)
	}

	// Nothing schedulable right now. Decide whether the run is finished,
	// doomed, or just waiting on retries or in-flight work.
	tasks, err := c.store.ListTasks(run.TaskListID)
	if err != nil {
		return err
	}

	allSettled := true
	anyUnrecoverable := false
	anyInFlight := false
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted, models.TaskStatusSkipped:
		case models.TaskStatusInProgress:
			allSettled = false
			anyInFlight = true
		case models.TaskStatusFailed, models.TaskStatusBlocked:
			allSettled = false
			anyUnrecoverable = true
		default:
			allSettled = false
		}
	}

	if allSettled {
		return c.completeRun(run)
	}
	if anyUnrecoverable && !anyInFlight && c.supervisor.PendingRetries() == 0 && len(plan.Unblocked) == 0 {
		return c.failRun(run, "tasks failed or blocked with no retries remaining")
	}
	return nil
}

// dispatchWave hands every assignment of the wave to the supervisor. Task
// status is re-validated at dispatch; a task the world moved from under us
// is skipped rather than double-run.
func (c *Coordinator) dispatchWave(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave) error {
	assignments, err := c.store.ListAssignments(wave.ID)
	if err != nil {
		return err
	}

	if err := c.store.UpdateWaveStatus(wave.ID, models.WaveStatusInProgress); err != nil {
		return err
	}
	c.emitter.Emit(models.Event{
		Type: models.EventWaveStarted, RunID: run.ID, WaveID: wave.ID,
		Payload: map[string]any{"wave_number": wave.WaveNumber, "task_count": wave.TaskCount},
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range assignments {
		if a.Status != models.AssignmentPending {
			continue
		}
		taskID := a.TaskID
		g.Go(func() error {
			task, err := c.store.GetTask(taskID)
			if err != nil {
				return err
			}
			if _, err := c.supervisor.Dispatch(gctx, run, wave, task); err != nil {
				log.Printf("[coordinator] dispatch %s: %v", taskID, err)
				c.store.UpdateAssignment(wave.ID, taskID, "", models.AssignmentSkipped)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *Coordinator) completeRun(run *models.ExecutionRun) error {
	c.updateRunCounts(run.ID, run.TaskListID)
	if err := c.store.UpdateRunStatus(run.ID, models.RunStatusCompleted); err != nil {
		return err
	}
	c.emitter.Emit(models.Event{Type: models.EventRunCompleted, RunID: run.ID})
	return nil
}

func (c *Coordinator) failRun(run *models.ExecutionRun, reason string) error {
	c.updateRunCounts(run.ID, run.TaskListID)
	if err := c.store.UpdateRunStatus(run.ID, models.RunStatusFailed); err != nil {
		return err
	}
	c.emitter.Emit(models.Event{Type: models.EventRunFailed, RunID: run.ID, Message: reason})
	return nil
}

// updateRunCounts refreshes the run's task counters from task statuses.
func (c *Coordinator) updateRunCounts(runID, taskListID string) {
	tasks, err := c.store.ListTasks(taskListID)
	if err != nil {
		log.Printf("[coordinator] count tasks for %s: %v", runID, err)
		return
	}
	completed, failed, skipped := 0, 0, 0
	for _, task := range tasks {
		switch task.Status {
		case models.TaskStatusCompleted:
			completed++
		case models.TaskStatusFailed:
			failed++
		case models.TaskStatusSkipped:
			skipped++
		}
	}
	if err := c.store.UpdateRunCounts(runID, completed, failed, skipped); err != nil {
		log.Printf("[coordinator] update counts for %s: %v", runID, err)
	}
}
