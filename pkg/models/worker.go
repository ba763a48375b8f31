package models

import "time"

// WorkerStatus represents the current state of a worker instance.
type WorkerStatus string

const (
	// WorkerStatusSpawning indicates the worker process is being started.
	WorkerStatusSpawning WorkerStatus = "spawning"
	// WorkerStatusRunning indicates the worker is executing its task.
	WorkerStatusRunning WorkerStatus = "running"
	// WorkerStatusIdle indicates the worker is alive but has no task.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusCompleting indicates the worker reported a terminal outcome
	// and is shutting down.
	WorkerStatusCompleting WorkerStatus = "completing"
	// WorkerStatusTerminated indicates the worker has exited.
	WorkerStatusTerminated WorkerStatus = "terminated"
	// WorkerStatusFailed indicates the worker crashed or was force-killed.
	WorkerStatusFailed WorkerStatus = "failed"
	// WorkerStatusStuck indicates the worker missed its heartbeat deadline
	// but has not yet been confirmed dead.
	WorkerStatusStuck WorkerStatus = "stuck"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusSpawning, WorkerStatusRunning, WorkerStatusIdle,
		WorkerStatusCompleting, WorkerStatusTerminated, WorkerStatusFailed,
		WorkerStatusStuck:
		return true
	default:
		return false
	}
}

// Terminal returns true if the worker can never transition again.
func (s WorkerStatus) Terminal() bool {
	return s == WorkerStatusTerminated || s == WorkerStatusFailed
}

// workerTransitions maps each worker status to its legal successors.
// stuck -> running covers a worker whose heartbeats resume during the grace
// period. Terminal states have no successors, which is what makes duplicate
// heartbeat replay idempotent.
var workerTransitions = map[WorkerStatus][]WorkerStatus{
	WorkerStatusSpawning:   {WorkerStatusRunning, WorkerStatusFailed},
	WorkerStatusRunning:    {WorkerStatusIdle, WorkerStatusCompleting, WorkerStatusStuck, WorkerStatusFailed},
	WorkerStatusIdle:       {WorkerStatusRunning, WorkerStatusTerminated},
	WorkerStatusStuck:      {WorkerStatusRunning, WorkerStatusCompleting, WorkerStatusTerminated, WorkerStatusFailed},
	WorkerStatusCompleting: {WorkerStatusTerminated, WorkerStatusFailed},
	WorkerStatusTerminated: nil,
	WorkerStatusFailed:     nil,
}

// CanTransition reports whether moving from s to next is legal.
func (s WorkerStatus) CanTransition(next WorkerStatus) bool {
	for _, allowed := range workerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WorkerInstance is a spawned execution agent supervised by the scheduler.
type WorkerInstance struct {
	// ID is the unique identifier for this worker instance.
	ID string `json:"id"`
	// TaskID is the task this worker is executing.
	TaskID string `json:"task_id"`
	// WaveID is the wave this worker was dispatched for.
	WaveID string `json:"wave_id"`
	// Status is the current state of the worker.
	Status WorkerStatus `json:"status"`
	// PID is the OS process id of the worker, if process-backed.
	PID int `json:"pid,omitempty"`
	// SpawnedAt is when the worker was started.
	SpawnedAt time.Time `json:"spawned_at"`
	// LastHeartbeatAt is the timestamp of the most recent heartbeat.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// CompletedAt is when the worker reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// StuckCount is the number of consecutive stuck detections.
	StuckCount int `json:"stuck_count,omitempty"`
	// ErrorContext carries diagnostic detail when the worker fails.
	ErrorContext string `json:"error_context,omitempty"`
}

// Heartbeat is a periodic liveness/progress signal from a worker.
// Heartbeats are appended, never overwritten.
type Heartbeat struct {
	InstanceID      string       `json:"instance_id"`
	Status          WorkerStatus `json:"status"`
	ProgressPercent int          `json:"progress_percent,omitempty"`
	CurrentStep     string       `json:"current_step,omitempty"`
	ReceivedAt      time.Time    `json:"received_at"`
}
