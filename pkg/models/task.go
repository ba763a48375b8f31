// Package models defines the core data types shared across the scheduler:
// tasks, relationships, file impacts, waves, workers, and runs.
package models

import "time"

// TaskStatus represents the current lifecycle state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has been created but not evaluated.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusEvaluating indicates the task is being checked for readiness.
	TaskStatusEvaluating TaskStatus = "evaluating"
	// TaskStatusReady indicates all dependencies are satisfied.
	TaskStatusReady TaskStatus = "ready"
	// TaskStatusInProgress indicates a worker is executing the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusSkipped indicates the task was skipped (cancellation or escalation).
	TaskStatusSkipped TaskStatus = "skipped"
	// TaskStatusBlocked indicates the task cannot proceed until a blocker clears.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusEvaluating, TaskStatusReady,
		TaskStatusInProgress, TaskStatusCompleted, TaskStatusFailed,
		TaskStatusSkipped, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further transitions are allowed from this
// status. Failed is not terminal: a granted retry moves it back to pending.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusSkipped
}

// taskTransitions maps each status to the set of statuses it may move to.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusEvaluating, TaskStatusReady, TaskStatusInProgress, TaskStatusBlocked, TaskStatusSkipped},
	TaskStatusEvaluating: {TaskStatusReady, TaskStatusBlocked, TaskStatusSkipped},
	TaskStatusReady:      {TaskStatusInProgress, TaskStatusBlocked, TaskStatusSkipped},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusSkipped, TaskStatusBlocked},
	TaskStatusBlocked:    {TaskStatusReady, TaskStatusSkipped},
	TaskStatusFailed:     {TaskStatusPending},
	TaskStatusCompleted:  nil,
	TaskStatusSkipped:    nil,
}

// CanTransition reports whether moving from s to next is a legal edge in the
// task state machine.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskCategory classifies the kind of work a task represents.
type TaskCategory string

const (
	CategoryFeature TaskCategory = "feature"
	CategoryBug     TaskCategory = "bug"
	CategoryTask    TaskCategory = "task"
	CategoryStory   TaskCategory = "story"
	CategoryEpic    TaskCategory = "epic"
)

// Valid returns true if the category is a known value.
func (c TaskCategory) Valid() bool {
	switch c {
	case CategoryFeature, CategoryBug, CategoryTask, CategoryStory, CategoryEpic:
		return true
	default:
		return false
	}
}

// Priority orders tasks for scheduling. P0 is most urgent.
type Priority int

const (
	PriorityP0 Priority = 0
	PriorityP1 Priority = 1
	PriorityP2 Priority = 2
	PriorityP3 Priority = 3
)

// Valid returns true if the priority is in range.
func (p Priority) Valid() bool {
	return p >= PriorityP0 && p <= PriorityP3
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the stable unique identifier (UUID) for this task.
	ID string `json:"id"`
	// DisplayID is the human-readable code (e.g., "WM-42").
	DisplayID string `json:"display_id"`
	// TaskListID is the owning task list.
	TaskListID string `json:"task_list_id"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Category classifies the task (feature/bug/task/story/epic).
	Category TaskCategory `json:"category"`
	// Status is the current lifecycle state.
	Status TaskStatus `json:"status"`
	// Priority orders the task for wave packing (P0 first).
	Priority Priority `json:"priority"`
	// EffortEstimate is a rough size estimate in points.
	EffortEstimate int `json:"effort_estimate,omitempty"`
	// AssignedWorkerID is the worker instance executing this task, if any.
	// Non-empty only while the task is in_progress.
	AssignedWorkerID string `json:"assigned_worker_id,omitempty"`
	// BlockedReason records why the task is blocked, if it is.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// Error contains the error message if the task failed.
	Error string `json:"error,omitempty"`
	// RetryCount is the number of times this task has been retried.
	RetryCount int `json:"retry_count,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when execution first began, if it has.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
