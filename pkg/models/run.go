package models

import "time"

// RunStatus represents the state of an execution run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusPaused,
		RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the run can never transition again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusCancelled},
	RunStatusRunning: {RunStatusPaused, RunStatusCompleted, RunStatusFailed, RunStatusCancelled},
	RunStatusPaused:  {RunStatusRunning, RunStatusCancelled},
}

// CanTransition reports whether moving from s to next is legal.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionRun is the top-level record for one scheduled execution of a
// task list. Only one run per task list may be running at a time.
type ExecutionRun struct {
	ID          string     `json:"id"`
	TaskListID  string     `json:"task_list_id"`
	RunNumber   int        `json:"run_number"`
	Status      RunStatus  `json:"status"`
	TotalTasks  int        `json:"total_tasks"`
	Completed   int        `json:"completed_tasks"`
	Failed      int        `json:"failed_tasks"`
	Skipped     int        `json:"skipped_tasks"`
	TriggeredBy string     `json:"triggered_by,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// WaveStatus represents the state of one execution wave.
type WaveStatus string

const (
	WaveStatusPending    WaveStatus = "pending"
	WaveStatusInProgress WaveStatus = "in_progress"
	WaveStatusCompleted  WaveStatus = "completed"
	WaveStatusFailed     WaveStatus = "failed"
	WaveStatusCancelled  WaveStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s WaveStatus) Valid() bool {
	switch s {
	case WaveStatusPending, WaveStatusInProgress, WaveStatusCompleted,
		WaveStatusFailed, WaveStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the wave can never transition again. Wave N+1
// must never start before wave N is terminal.
func (s WaveStatus) Terminal() bool {
	return s == WaveStatusCompleted || s == WaveStatusFailed || s == WaveStatusCancelled
}

// ExecutionWave is an ordered partition of a run: a set of mutually
// conflict-free, dependency-ready tasks dispatched together. Wave numbers
// are contiguous and monotonically increasing within a run.
type ExecutionWave struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	WaveNumber     int        `json:"wave_number"`
	Status         WaveStatus `json:"status"`
	TaskCount      int        `json:"task_count"`
	CompletedCount int        `json:"completed_count"`
	FailedCount    int        `json:"failed_count"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// AssignmentStatus tracks one task's progress within a wave.
type AssignmentStatus string

const (
	AssignmentPending   AssignmentStatus = "pending"
	AssignmentAssigned  AssignmentStatus = "assigned"
	AssignmentRunning   AssignmentStatus = "running"
	AssignmentCompleted AssignmentStatus = "completed"
	AssignmentFailed    AssignmentStatus = "failed"
	AssignmentSkipped   AssignmentStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s AssignmentStatus) Valid() bool {
	switch s {
	case AssignmentPending, AssignmentAssigned, AssignmentRunning,
		AssignmentCompleted, AssignmentFailed, AssignmentSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the assignment has reached its final state.
func (s AssignmentStatus) Terminal() bool {
	return s == AssignmentCompleted || s == AssignmentFailed || s == AssignmentSkipped
}

// WaveTaskAssignment is the join row binding a task into a wave.
// Unique per (wave_id, task_id).
type WaveTaskAssignment struct {
	WaveID           string           `json:"wave_id"`
	TaskID           string           `json:"task_id"`
	WorkerInstanceID string           `json:"worker_instance_id,omitempty"`
	Status           AssignmentStatus `json:"status"`
}
