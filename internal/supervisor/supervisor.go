// Package supervisor owns the worker fleet of a run: it spawns one worker
// per dispatched task, consumes heartbeats and terminal results, sweeps for
// stuck workers with graduated recovery, and applies the bounded retry
// policy to failed tasks.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/wavemux/wavemux/internal/events"
	"github.com/wavemux/wavemux/internal/impact"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/internal/worker"
	"github.com/wavemux/wavemux/pkg/models"
)

// Config carries the supervisor's operational thresholds.
type Config struct {
	// HeartbeatTimeout is how long a worker may go silent before a sweep
	// marks it stuck.
	HeartbeatTimeout time.Duration
	// MaxRetries bounds how many times a failed task is requeued.
	MaxRetries int
	// RetryBackoffInitial seeds the exponential retry delay.
	RetryBackoffInitial time.Duration
	// HeartbeatIntervalSeconds is handed to spawned agents.
	HeartbeatIntervalSeconds int
	// WorkDir is the directory agents execute in.
	WorkDir string
	// ObserveImpacts enables the post-hoc file observer per worker.
	ObserveImpacts bool
}

// Supervisor dispatches tasks to workers and supervises them to a terminal
// outcome.
type Supervisor struct {
	store   *store.Store
	runner  worker.Runner
	emitter *events.Emitter
	cfg     Config

	mu        sync.Mutex
	handles   map[string]worker.Handle
	observers map[string]*impact.Observer
	// resolved guards against applying two terminal outcomes to one worker,
	// e.g. a force-kill racing the synthesized crash result.
	resolved map[string]bool
	// retryAt maps a failed task to when it may be requeued.
	retryAt  map[string]time.Time
	backoffs map[string]backoff.BackOff
	// cancelledWaves marks waves whose remaining outcomes follow the
	// cancellation rules.
	cancelledWaves map[string]bool

	now func() time.Time
}

// New creates a supervisor.
func New(st *store.Store, runner worker.Runner, emitter *events.Emitter, cfg Config) *Supervisor {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoffInitial <= 0 {
		cfg.RetryBackoffInitial = time.Second
	}
	return &Supervisor{
		store:          st,
		runner:         runner,
		emitter:        emitter,
		cfg:            cfg,
		handles:        make(map[string]worker.Handle),
		observers:      make(map[string]*impact.Observer),
		resolved:       make(map[string]bool),
		retryAt:        make(map[string]time.Time),
		backoffs:       make(map[string]backoff.BackOff),
		cancelledWaves: make(map[string]bool),
		now:            time.Now,
	}
}

// Dispatch spawns a worker for the task. The task's status is re-validated
// here: planning happened earlier and the world may have moved on, so a task
// that is no longer ready is refused rather than double-dispatched.
func (s *Supervisor) Dispatch(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave, task *models.Task) (*models.WorkerInstance, error) {
	current, err := s.store.GetTask(task.ID)
	if err != nil {
		return nil, err
	}
	if current.Status != models.TaskStatusReady {
		return nil, fmt.Errorf("dispatch %s: status is %s, not ready: %w", task.ID, current.Status, store.ErrInvalidTransition)
	}

	if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusInProgress, ""); err != nil {
		return nil, err
	}

	instance := &models.WorkerInstance{
		ID:     uuid.New().String(),
		TaskID: task.ID,
		WaveID: wave.ID,
		Status: models.WorkerStatusSpawning,
	}

	handle, err := s.runner.Start(ctx, worker.TaskInput{
		TaskID:                   task.ID,
		DisplayID:                task.DisplayID,
		Title:                    task.Title,
		Description:              task.Description,
		WorkingDir:               s.cfg.WorkDir,
		WaveID:                   wave.ID,
		WorkerID:                 instance.ID,
		HeartbeatIntervalSeconds: s.cfg.HeartbeatIntervalSeconds,
	})
	if err != nil {
		if cErr := s.store.CreateWorker(instance); cErr == nil {
			s.store.UpdateWorkerStatus(instance.ID, models.WorkerStatusFailed, err.Error())
		}
		s.failTask(run, wave, task, fmt.Sprintf("spawn worker: %v", err))
		return nil, err
	}

	instance.PID = handle.PID()
	if err := s.store.CreateWorker(instance); err != nil {
		handle.Kill()
		return nil, err
	}
	if err := s.store.UpdateWorkerStatus(instance.ID, models.WorkerStatusRunning, ""); err != nil {
		return nil, err
	}
	if err := s.store.AssignWorker(task.ID, instance.ID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateAssignment(wave.ID, task.ID, instance.ID, models.AssignmentRunning); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.handles[instance.ID] = handle
	if s.cfg.ObserveImpacts {
		if obs, oErr := impact.NewObserver(task.ID, s.cfg.WorkDir); oErr == nil {
			s.observers[instance.ID] = obs
		} else {
			log.Printf("[supervisor] impact observer for %s: %v", task.ID, oErr)
		}
	}
	s.mu.Unlock()

	s.emitter.Emit(models.Event{
		Type: models.EventWorkerSpawned, RunID: run.ID, WaveID: wave.ID,
		TaskID: task.ID, WorkerID: instance.ID,
	})
	s.emitter.Emit(models.Event{
		Type: models.EventTaskStarted, RunID: run.ID, WaveID: wave.ID,
		TaskID: task.ID, WorkerID: instance.ID,
	})

	go s.watch(ctx, run, wave, task, instance, handle)
	return instance, nil
}

// watch consumes the worker's event stream until it closes.
func (s *Supervisor) watch(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave, task *models.Task, instance *models.WorkerInstance, handle worker.Handle) {
	for ev := range handle.Events() {
		switch ev.Kind {
		case worker.EventHeartbeat:
			hb := models.Heartbeat{
				InstanceID:      instance.ID,
				Status:          models.WorkerStatusRunning,
				ProgressPercent: ev.Progress,
				CurrentStep:     ev.Step,
				ReceivedAt:      s.now(),
			}
			if err := s.store.RecordHeartbeat(hb); err != nil {
				log.Printf("[supervisor] heartbeat for %s: %v", instance.ID, err)
			}
		case worker.EventResult:
			s.finish(ctx, run, wave, task, instance, ev)
		}
	}

	s.mu.Lock()
	delete(s.handles, instance.ID)
	s.mu.Unlock()
}

// RecordHeartbeat forwards an externally received heartbeat to the store.
// Replay past a terminal worker state is a no-op apart from the audit row.
func (s *Supervisor) RecordHeartbeat(hb models.Heartbeat) error {
	return s.store.RecordHeartbeat(hb)
}

// finish applies a worker's terminal outcome exactly once.
func (s *Supervisor) finish(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave, task *models.Task, instance *models.WorkerInstance, result worker.Event) {
	s.mu.Lock()
	if s.resolved[instance.ID] {
		s.mu.Unlock()
		return
	}
	s.resolved[instance.ID] = true
	cancelled := s.cancelledWaves[wave.ID]
	obs := s.observers[instance.ID]
	delete(s.observers, instance.ID)
	s.mu.Unlock()

	s.recordValidatedImpacts(ctx, obs)

	switch {
	case result.Success:
		s.advanceWorker(instance.ID, models.WorkerStatusCompleting, "")
		s.advanceWorker(instance.ID, models.WorkerStatusTerminated, "")
		if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusCompleted, ""); err != nil {
			log.Printf("[supervisor] complete task %s: %v", task.ID, err)
		}
		s.store.UpdateAssignment(wave.ID, task.ID, instance.ID, models.AssignmentCompleted)
		s.emitter.Emit(models.Event{
			Type: models.EventTaskCompleted, RunID: run.ID, WaveID: wave.ID,
			TaskID: task.ID, WorkerID: instance.ID,
			Payload: map[string]any{"files_changed": result.FilesChanged},
		})

	case cancelled && result.FilesChanged == 0:
		// The worker stopped before touching anything; the task is skipped,
		// not failed, and can run cleanly in a future run.
		s.advanceWorker(instance.ID, models.WorkerStatusCompleting, "")
		s.advanceWorker(instance.ID, models.WorkerStatusTerminated, "")
		if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusSkipped, "run cancelled"); err != nil {
			log.Printf("[supervisor] skip task %s: %v", task.ID, err)
		}
		s.store.UpdateAssignment(wave.ID, task.ID, instance.ID, models.AssignmentSkipped)
		s.emitter.Emit(models.Event{
			Type: models.EventTaskSkipped, RunID: run.ID, WaveID: wave.ID,
			TaskID: task.ID, WorkerID: instance.ID, Message: "run cancelled",
		})

	default:
		s.advanceWorker(instance.ID, models.WorkerStatusFailed, result.Error)
		s.failTask(run, wave, task, result.Error)
	}
}

// recordValidatedImpacts stops the observer and upserts what the task
// actually touched. Each write invalidates the analysis cache for the task,
// so future runs plan against observed behavior.
func (s *Supervisor) recordValidatedImpacts(ctx context.Context, obs *impact.Observer) {
	if obs == nil {
		return
	}
	impacts, err := obs.Stop(ctx)
	if err != nil {
		log.Printf("[supervisor] stop impact observer: %v", err)
		return
	}
	for _, im := range impacts {
		if err := s.store.UpsertImpact(im); err != nil {
			log.Printf("[supervisor] record validated impact %s: %v", im.Path, err)
		}
	}
}

// failTask records the failure and schedules a retry if the policy allows.
func (s *Supervisor) failTask(run *models.ExecutionRun, wave *models.ExecutionWave, task *models.Task, errText string) {
	if err := s.store.SetTaskError(task.ID, errText); err != nil {
		log.Printf("[supervisor] record error for %s: %v", task.ID, err)
	}
	if err := s.store.UpdateTaskStatus(task.ID, models.TaskStatusFailed, errText); err != nil {
		log.Printf("[supervisor] fail task %s: %v", task.ID, err)
	}
	s.store.UpdateAssignment(wave.ID, task.ID, "", models.AssignmentFailed)
	s.emitter.Emit(models.Event{
		Type: models.EventTaskFailed, RunID: run.ID, WaveID: wave.ID,
		TaskID: task.ID, Message: errText,
	})

	s.scheduleRetry(run, task, errText)
}

// scheduleRetry decides whether the failed task gets another attempt and
// when it becomes eligible.
func (s *Supervisor) scheduleRetry(run *models.ExecutionRun, task *models.Task, errText string) {
	class := Classify(errText)

	fresh, err := s.store.GetTask(task.ID)
	if err != nil {
		log.Printf("[supervisor] read task %s for retry: %v", task.ID, err)
		return
	}

	if !class.Retryable() || fresh.RetryCount >= s.cfg.MaxRetries {
		s.emitter.Emit(models.Event{
			Type: models.EventTaskEscalated, RunID: run.ID, TaskID: task.ID,
			Message: fmt.Sprintf("%s failure after %d retries: %s", class, fresh.RetryCount, errText),
		})
		return
	}

	s.mu.Lock()
	bo, ok := s.backoffs[task.ID]
	if !ok {
		bo = newRetryBackoff(s.cfg.RetryBackoffInitial)
		s.backoffs[task.ID] = bo
	}
	delay := bo.NextBackOff()
	s.retryAt[task.ID] = s.now().Add(delay)
	s.mu.Unlock()

	s.emitter.Emit(models.Event{
		Type: models.EventTaskRetried, RunID: run.ID, TaskID: task.ID,
		Message: fmt.Sprintf("%s failure, retry %d/%d in %s", class, fresh.RetryCount+1, s.cfg.MaxRetries, delay.Round(time.Millisecond)),
	})
}

// newRetryBackoff builds the per-task retry schedule. The constructor
// latches its own default as the current interval, so Reset must run after
// the seed is set or the configured initial delay never applies.
func newRetryBackoff(initial time.Duration) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxElapsedTime = 0
	exp.Reset()
	return exp
}

// ProcessRetries requeues failed tasks whose backoff delay has elapsed and
// returns their ids. Called from the coordinator's tick.
func (s *Supervisor) ProcessRetries() []string {
	s.mu.Lock()
	var due []string
	for taskID, at := range s.retryAt {
		if !s.now().Before(at) {
			due = append(due, taskID)
			delete(s.retryAt, taskID)
		}
	}
	s.mu.Unlock()

	var requeued []string
	for _, taskID := range due {
		if _, err := s.store.IncrementRetryCount(taskID); err != nil {
			log.Printf("[supervisor] bump retry count for %s: %v", taskID, err)
			continue
		}
		if err := s.store.UpdateTaskStatus(taskID, models.TaskStatusPending, "retry granted"); err != nil {
			log.Printf("[supervisor] requeue %s: %v", taskID, err)
			continue
		}
		requeued = append(requeued, taskID)
	}
	return requeued
}

// PendingRetries returns how many failed tasks are waiting out their
// backoff delay.
func (s *Supervisor) PendingRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.retryAt)
}

// CheckStuck sweeps the wave's active workers for missed heartbeat
// deadlines. Recovery is graduated by how long the worker has been silent,
// one full heartbeat timeout per stage: a warning after the first, a
// graceful interrupt after the second, and after the third force-termination,
// which fails the task and routes it through the retry policy.
func (s *Supervisor) CheckStuck(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave) error {
	workers, err := s.store.ListActiveWorkers(wave.ID)
	if err != nil {
		return err
	}

	for _, w := range workers {
		if w.Status != models.WorkerStatusRunning && w.Status != models.WorkerStatusStuck {
			continue
		}
		silence := s.now().Sub(w.LastHeartbeatAt)
		if silence <= s.cfg.HeartbeatTimeout {
			continue
		}

		stage := int(silence / s.cfg.HeartbeatTimeout)
		if stage > 3 {
			stage = 3
		}
		// Sweeps run more often than the timeout; a stage already acted on
		// waits out another full timeout of silence before escalating.
		if stage <= w.StuckCount {
			continue
		}
		if err := s.store.SetStuckCount(w.ID, stage); err != nil {
			return err
		}

		s.mu.Lock()
		handle := s.handles[w.ID]
		s.mu.Unlock()

		switch stage {
		case 1:
			s.advanceWorker(w.ID, models.WorkerStatusStuck, "missed heartbeat deadline")
			s.emitter.Emit(models.Event{
				Type: models.EventWorkerStuck, RunID: run.ID, WaveID: wave.ID,
				TaskID: w.TaskID, WorkerID: w.ID,
				Message: "missed heartbeat deadline, watching",
			})

		case 2:
			if w.Status == models.WorkerStatusRunning {
				s.advanceWorker(w.ID, models.WorkerStatusStuck, "missed heartbeat deadline")
			}
			if handle != nil {
				if err := handle.Interrupt(); err != nil {
					log.Printf("[supervisor] interrupt worker %s: %v", w.ID, err)
				}
			}
			s.emitter.Emit(models.Event{
				Type: models.EventWorkerStuck, RunID: run.ID, WaveID: wave.ID,
				TaskID: w.TaskID, WorkerID: w.ID,
				Message: "still silent, sent graceful interrupt",
			})

		default:
			s.forceTerminate(ctx, run, wave, w, handle)
		}
	}
	return nil
}

// forceTerminate kills a repeatedly stuck worker and fails its task.
func (s *Supervisor) forceTerminate(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave, w *models.WorkerInstance, handle worker.Handle) {
	s.mu.Lock()
	alreadyResolved := s.resolved[w.ID]
	s.resolved[w.ID] = true
	obs := s.observers[w.ID]
	delete(s.observers, w.ID)
	s.mu.Unlock()

	if handle != nil {
		if err := handle.Kill(); err != nil {
			log.Printf("[supervisor] kill worker %s: %v", w.ID, err)
		}
	}
	if alreadyResolved {
		return
	}

	s.recordValidatedImpacts(ctx, obs)

	reason := "force-terminated after repeated stuck detections"
	s.advanceWorker(w.ID, models.WorkerStatusFailed, reason)
	s.emitter.Emit(models.Event{
		Type: models.EventWorkerKilled, RunID: run.ID, WaveID: wave.ID,
		TaskID: w.TaskID, WorkerID: w.ID, Message: reason,
	})

	task, err := s.store.GetTask(w.TaskID)
	if err != nil {
		log.Printf("[supervisor] read task %s: %v", w.TaskID, err)
		return
	}
	if task.Status == models.TaskStatusInProgress {
		s.failTask(run, wave, task, reason)
	}
}

// CancelWave marks the wave cancelled and interrupts its live workers.
// Undispatched tasks are skipped immediately; in-flight outcomes follow the
// cancellation rules in finish.
func (s *Supervisor) CancelWave(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave) error {
	s.mu.Lock()
	s.cancelledWaves[wave.ID] = true
	var live []worker.Handle
	for id, h := range s.handles {
		if w, err := s.store.GetWorker(id); err == nil && w.WaveID == wave.ID {
			live = append(live, h)
		}
	}
	s.mu.Unlock()

	for _, h := range live {
		if err := h.Interrupt(); err != nil {
			log.Printf("[supervisor] interrupt on cancel: %v", err)
		}
	}

	assignments, err := s.store.ListAssignments(wave.ID)
	if err != nil {
		return err
	}
	for _, a := range assignments {
		if a.Status.Terminal() || a.Status == models.AssignmentRunning {
			continue
		}
		if err := s.store.UpdateTaskStatus(a.TaskID, models.TaskStatusSkipped, "run cancelled"); err != nil {
			log.Printf("[supervisor] skip undispatched %s: %v", a.TaskID, err)
			continue
		}
		s.store.UpdateAssignment(wave.ID, a.TaskID, "", models.AssignmentSkipped)
		s.emitter.Emit(models.Event{
			Type: models.EventTaskSkipped, RunID: run.ID, WaveID: wave.ID,
			TaskID: a.TaskID, Message: "run cancelled before dispatch",
		})
	}
	return nil
}

// Recover fails workers recorded as active that have no live process behind
// them, requeueing their tasks. Used when resuming a run after a restart.
func (s *Supervisor) Recover(ctx context.Context, run *models.ExecutionRun, wave *models.ExecutionWave) error {
	workers, err := s.store.ListActiveWorkers(wave.ID)
	if err != nil {
		return err
	}

	for _, w := range workers {
		s.mu.Lock()
		_, live := s.handles[w.ID]
		alreadyResolved := s.resolved[w.ID]
		if !live {
			s.resolved[w.ID] = true
		}
		s.mu.Unlock()
		if live || alreadyResolved {
			continue
		}

		reason := "no live process found on recovery"
		s.advanceWorker(w.ID, models.WorkerStatusFailed, reason)

		task, err := s.store.GetTask(w.TaskID)
		if err != nil {
			log.Printf("[supervisor] read task %s: %v", w.TaskID, err)
			continue
		}
		if task.Status == models.TaskStatusInProgress {
			s.failTask(run, wave, task, reason)
		}
	}
	return nil
}

// advanceWorker applies a worker transition, tolerating the races that make
// a transition stale (the state machine already rejects them).
func (s *Supervisor) advanceWorker(instanceID string, next models.WorkerStatus, errorContext string) {
	if err := s.store.UpdateWorkerStatus(instanceID, next, errorContext); err != nil {
		log.Printf("[supervisor] worker %s -> %s: %v", instanceID, next, err)
	}
}
