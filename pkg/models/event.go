package models

import "time"

// EventType identifies a state-change event emitted by the scheduler.
type EventType string

const (
	EventRunStarted    EventType = "run:started"
	EventRunPaused     EventType = "run:paused"
	EventRunResumed    EventType = "run:resumed"
	EventRunCompleted  EventType = "run:completed"
	EventRunFailed     EventType = "run:failed"
	EventRunCancelled  EventType = "run:cancelled"
	EventWaveStarted   EventType = "wave:started"
	EventWaveCompleted EventType = "wave:completed"
	EventWaveFailed    EventType = "wave:failed"
	EventTaskStarted   EventType = "task:started"
	EventTaskCompleted EventType = "task:completed"
	EventTaskFailed    EventType = "task:failed"
	EventTaskSkipped   EventType = "task:skipped"
	EventTaskRetried   EventType = "task:retried"
	EventTaskEscalated EventType = "task:escalated"
	EventWorkerSpawned EventType = "worker:spawned"
	EventWorkerStuck   EventType = "worker:stuck"
	EventWorkerKilled  EventType = "worker:killed"
)

// Event is one entry in the append-only observability log. Emission is
// one-way: the scheduler never blocks waiting for a consumer.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id,omitempty"`
	WaveID    string         `json:"wave_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	WorkerID  string         `json:"worker_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
