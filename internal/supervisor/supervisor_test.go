package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/wavemux/wavemux/internal/events"
	"github.com/wavemux/wavemux/internal/store"
	"github.com/wavemux/wavemux/internal/worker"
	"github.com/wavemux/wavemux/pkg/models"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := s.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// fixture sets up a run with one wave holding the given tasks, all ready.
type fixture struct {
	store *store.Store
	run   *models.ExecutionRun
	wave  *models.ExecutionWave
	tasks []*models.Task
}

func newFixture(t *testing.T, s *store.Store, taskNames ...string) *fixture {
	t.Helper()
	list, err := s.CreateTaskList("proj", "list")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}

	var tasks []*models.Task
	var ids []string
	for _, name := range taskNames {
		task := &models.Task{
			DisplayID:  "WM-" + name,
			TaskListID: list,
			Title:      name,
			Category:   models.CategoryTask,
			Priority:   models.PriorityP2,
		}
		if err := s.CreateTask(task); err != nil {
			t.Fatalf("create task %s: %v", name, err)
		}
		if err := s.UpdateTaskStatus(task.ID, models.TaskStatusReady, ""); err != nil {
			t.Fatalf("ready %s: %v", name, err)
		}
		tasks = append(tasks, task)
		ids = append(ids, task.ID)
	}

	run, err := s.CreateRun(list, "test")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	wave, err := s.CreateWave(run.ID, ids)
	if err != nil {
		t.Fatalf("create wave: %v", err)
	}
	return &fixture{store: s, run: run, wave: wave, tasks: tasks}
}

// stubHandle is a hand-driven worker handle.
type stubHandle struct {
	events chan worker.Event

	mu         sync.Mutex
	interrupts int
	kills      int
	closed     bool
}

func newStubHandle() *stubHandle {
	return &stubHandle{events: make(chan worker.Event, 8)}
}

func (h *stubHandle) PID() int                    { return 4242 }
func (h *stubHandle) Events() <-chan worker.Event { return h.events }
func (h *stubHandle) Wait() error                 { return nil }

func (h *stubHandle) Interrupt() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.interrupts++
	return nil
}

func (h *stubHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.kills++
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *stubHandle) finish(ev worker.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events <- ev
	if !h.closed {
		h.closed = true
		close(h.events)
	}
}

func (h *stubHandle) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.interrupts, h.kills
}

// stubRunner hands out pre-made handles in dispatch order.
type stubRunner struct {
	mu      sync.Mutex
	handles []*stubHandle
	started []worker.TaskInput
}

func (r *stubRunner) add() *stubHandle {
	h := newStubHandle()
	r.mu.Lock()
	r.handles = append(r.handles, h)
	r.mu.Unlock()
	return h
}

func (r *stubRunner) Start(_ context.Context, input worker.TaskInput) (worker.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.handles[len(r.started)]
	r.started = append(r.started, input)
	return h, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newSupervisor(s *store.Store, runner worker.Runner, cfg Config) *Supervisor {
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = 5 * time.Minute
	}
	return New(s, runner, events.NewEmitter(s, 64), cfg)
}

func taskStatus(t *testing.T, s *store.Store, taskID string) models.TaskStatus {
	t.Helper()
	task, err := s.GetTask(taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task.Status
}

func TestDispatchRunsTaskToCompletion(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 3})

	instance, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0])
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if taskStatus(t, s, f.tasks[0].ID) != models.TaskStatusInProgress {
		t.Fatal("task not in progress after dispatch")
	}

	h.events <- worker.Event{Kind: worker.EventHeartbeat, Progress: 50, Step: "halfway"}
	h.finish(worker.Event{Kind: worker.EventResult, Success: true, FilesChanged: 2})

	eventually(t, "task completion", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusCompleted
	})

	w, err := s.GetWorker(instance.ID)
	if err != nil {
		t.Fatalf("get worker: %v", err)
	}
	if w.Status != models.WorkerStatusTerminated {
		t.Errorf("worker status = %s, want terminated", w.Status)
	}

	beats, _ := s.ListHeartbeats(instance.ID)
	if len(beats) != 1 || beats[0].ProgressPercent != 50 {
		t.Errorf("unexpected heartbeats: %+v", beats)
	}

	assignments, _ := s.ListAssignments(f.wave.ID)
	if len(assignments) != 1 || assignments[0].Status != models.AssignmentCompleted {
		t.Errorf("unexpected assignments: %+v", assignments)
	}
}

func TestDispatchRefusesNonReadyTask(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 3})

	// Someone else already dispatched it.
	if err := s.UpdateTaskStatus(f.tasks[0].ID, models.TaskStatusInProgress, ""); err != nil {
		t.Fatalf("preempt: %v", err)
	}

	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err == nil {
		t.Fatal("expected dispatch of an in_progress task to fail")
	}
}

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 3, RetryBackoffInitial: time.Millisecond})

	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "connection timeout talking to API"})

	eventually(t, "task failure", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusFailed
	})

	eventually(t, "retry to become due", func() bool {
		return len(sup.ProcessRetries()) == 1
	})

	task, _ := s.GetTask(f.tasks[0].ID)
	if task.Status != models.TaskStatusPending {
		t.Errorf("task status = %s, want pending after requeue", task.Status)
	}
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
}

func TestNonRetryableFailureEscalates(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 3, RetryBackoffInitial: time.Millisecond})

	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "permission denied writing to repo"})

	eventually(t, "task failure", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusFailed
	})

	time.Sleep(10 * time.Millisecond)
	if got := sup.ProcessRetries(); len(got) != 0 {
		t.Fatalf("non-retryable failure was requeued: %v", got)
	}

	evs, _ := s.ListEvents(f.run.ID)
	escalated := false
	for _, ev := range evs {
		if ev.Type == models.EventTaskEscalated {
			escalated = true
		}
	}
	if !escalated {
		t.Error("no escalation event recorded")
	}
}

func TestRetriesExhaustAtMax(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 1, RetryBackoffInitial: time.Millisecond})

	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	h.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "timeout"})
	eventually(t, "first failure", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusFailed
	})
	eventually(t, "first retry", func() bool { return len(sup.ProcessRetries()) == 1 })

	// Second attempt fails too; the retry budget is spent.
	if err := s.UpdateTaskStatus(f.tasks[0].ID, models.TaskStatusReady, ""); err != nil {
		t.Fatalf("ready again: %v", err)
	}
	h2 := runner.add()
	if _, err := sup.Dispatch(context.Background(), f.run, f.wave2(t), f.tasks[0]); err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	h2.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "timeout"})
	eventually(t, "second failure", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusFailed
	})

	time.Sleep(10 * time.Millisecond)
	if got := sup.ProcessRetries(); len(got) != 0 {
		t.Fatalf("retry granted past the budget: %v", got)
	}
}

// wave2 finishes the fixture's first wave and opens a second one for the
// same tasks.
func (f *fixture) wave2(t *testing.T) *models.ExecutionWave {
	t.Helper()
	f.store.UpdateWaveStatus(f.wave.ID, models.WaveStatusInProgress)
	if err := f.store.UpdateWaveStatus(f.wave.ID, models.WaveStatusFailed); err != nil {
		t.Fatalf("finish wave 1: %v", err)
	}
	var ids []string
	for _, task := range f.tasks {
		ids = append(ids, task.ID)
	}
	wave, err := f.store.CreateWave(f.run.ID, ids)
	if err != nil {
		t.Fatalf("create wave 2: %v", err)
	}
	return wave
}

// fakeClock drives the supervisor's view of time so stuck detection can be
// tested against elapsed silence instead of wall-clock sleeps.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Now()} }

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestStuckRecoveryGraduates(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	timeout := 5 * time.Minute
	sup := newSupervisor(s, runner, Config{
		HeartbeatTimeout:    timeout,
		MaxRetries:          3,
		RetryBackoffInitial: time.Millisecond,
	})
	clock := newFakeClock()
	sup.now = clock.now

	instance, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0])
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	sweep := func(what string) {
		t.Helper()
		if err := sup.CheckStuck(context.Background(), f.run, f.wave); err != nil {
			t.Fatalf("%s: %v", what, err)
		}
	}

	// One timeout of silence: warn only.
	clock.advance(timeout + time.Minute)
	sweep("first sweep")
	w, _ := s.GetWorker(instance.ID)
	if w.Status != models.WorkerStatusStuck || w.StuckCount != 1 {
		t.Fatalf("after first sweep: status=%s stuck_count=%d", w.Status, w.StuckCount)
	}
	if ints, kills := h.counts(); ints != 0 || kills != 0 {
		t.Fatalf("first sweep signalled the worker: interrupts=%d kills=%d", ints, kills)
	}

	// Further sweeps inside the same grace window must not escalate: the
	// worker has not been silent for a second full timeout yet.
	clock.advance(30 * time.Second)
	sweep("sweep within first grace window")
	w, _ = s.GetWorker(instance.ID)
	if w.StuckCount != 1 {
		t.Fatalf("sweep cadence alone escalated: stuck_count=%d", w.StuckCount)
	}
	if ints, kills := h.counts(); ints != 0 || kills != 0 {
		t.Fatalf("escalated before a second timeout of silence: interrupts=%d kills=%d", ints, kills)
	}

	// Two timeouts of silence: graceful interrupt, task still alive.
	clock.advance(timeout)
	sweep("second escalation")
	if ints, _ := h.counts(); ints != 1 {
		t.Fatalf("interrupts = %d, want 1", ints)
	}
	if taskStatus(t, s, f.tasks[0].ID) != models.TaskStatusInProgress {
		t.Fatal("task failed before the third escalation")
	}

	clock.advance(30 * time.Second)
	sweep("sweep within second grace window")
	if _, kills := h.counts(); kills != 0 {
		t.Fatal("killed before a third timeout of silence")
	}

	// Three timeouts of silence: force-terminate and fail the task.
	clock.advance(timeout)
	sweep("third escalation")
	if _, kills := h.counts(); kills != 1 {
		t.Fatalf("kills = %d, want 1", kills)
	}
	w, _ = s.GetWorker(instance.ID)
	if w.Status != models.WorkerStatusFailed {
		t.Errorf("worker status = %s, want failed", w.Status)
	}
	if taskStatus(t, s, f.tasks[0].ID) != models.TaskStatusFailed {
		t.Error("task not failed after force-termination")
	}

	// The failure routes through the retry policy.
	clock.advance(time.Second)
	if got := sup.ProcessRetries(); len(got) != 1 {
		t.Fatalf("retries after force-terminate = %v, want one", got)
	}
	task, _ := s.GetTask(f.tasks[0].ID)
	if task.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", task.RetryCount)
	}
}

func TestRetryBackoffSeedsFromConfig(t *testing.T) {
	bo := newRetryBackoff(100 * time.Millisecond)
	// With the default randomization factor the first delay stays within
	// half to one-and-a-half times the seed. The library default seed of
	// 500ms would land far outside this window.
	d := bo.NextBackOff()
	if d < 50*time.Millisecond || d > 150*time.Millisecond {
		t.Fatalf("first delay = %v, want within [50ms, 150ms]", d)
	}
}

func TestHeartbeatClearsStuckVerdict(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{HeartbeatTimeout: time.Minute, MaxRetries: 3})
	clock := newFakeClock()
	sup.now = clock.now

	instance, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0])
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	clock.advance(time.Minute + time.Second)
	if err := sup.CheckStuck(context.Background(), f.run, f.wave); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	// The worker was only slow; its next heartbeat clears the verdict.
	h.events <- worker.Event{Kind: worker.EventHeartbeat, Progress: 80}
	eventually(t, "stuck verdict to clear", func() bool {
		w, err := s.GetWorker(instance.ID)
		return err == nil && w.Status == models.WorkerStatusRunning && w.StuckCount == 0
	})
}

func TestCancelWaveSkipsUntouchedWork(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a", "b")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 3})

	// Only a is dispatched; b never starts.
	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if err := sup.CancelWave(context.Background(), f.run, f.wave); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ints, _ := h.counts(); ints != 1 {
		t.Fatalf("live worker not interrupted: %d", ints)
	}
	if taskStatus(t, s, f.tasks[1].ID) != models.TaskStatusSkipped {
		t.Error("undispatched task not skipped")
	}

	// a stops without having changed any files: skipped, not failed.
	h.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "interrupted", FilesChanged: 0})
	eventually(t, "in-flight task to be skipped", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusSkipped
	})
}

func TestCancelWaveFailsDirtyWork(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	runner := &stubRunner{}
	h := runner.add()
	sup := newSupervisor(s, runner, Config{MaxRetries: 0})

	if _, err := sup.Dispatch(context.Background(), f.run, f.wave, f.tasks[0]); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := sup.CancelWave(context.Background(), f.run, f.wave); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// The worker had already modified files; the task cannot be skipped.
	h.finish(worker.Event{Kind: worker.EventResult, Success: false, Error: "interrupted", FilesChanged: 3})
	eventually(t, "in-flight task to fail", func() bool {
		return taskStatus(t, s, f.tasks[0].ID) == models.TaskStatusFailed
	})
}

func TestRecoverFailsOrphanedWorkers(t *testing.T) {
	s := newTestStore(t)
	f := newFixture(t, s, "a")
	sup := newSupervisor(s, &stubRunner{}, Config{MaxRetries: 3, RetryBackoffInitial: time.Millisecond})

	// Simulate a worker left behind by a crashed scheduler: rows exist, but
	// this supervisor holds no handle for it.
	if err := s.UpdateTaskStatus(f.tasks[0].ID, models.TaskStatusInProgress, ""); err != nil {
		t.Fatalf("task in progress: %v", err)
	}
	orphan := &models.WorkerInstance{TaskID: f.tasks[0].ID, WaveID: f.wave.ID}
	if err := s.CreateWorker(orphan); err != nil {
		t.Fatalf("create orphan: %v", err)
	}
	if err := s.UpdateWorkerStatus(orphan.ID, models.WorkerStatusRunning, ""); err != nil {
		t.Fatalf("orphan running: %v", err)
	}

	if err := sup.Recover(context.Background(), f.run, f.wave); err != nil {
		t.Fatalf("recover: %v", err)
	}

	w, _ := s.GetWorker(orphan.ID)
	if w.Status != models.WorkerStatusFailed {
		t.Errorf("orphan status = %s, want failed", w.Status)
	}
	if taskStatus(t, s, f.tasks[0].ID) != models.TaskStatusFailed {
		t.Error("orphaned task not failed")
	}
	eventually(t, "orphaned task requeue", func() bool {
		return len(sup.ProcessRetries()) == 1
	})
}
