// Package worker defines the contract between the scheduler and the spawned
// execution agents. The scheduler hands each agent a TaskInput as JSON on
// stdin; the agent reports heartbeats and a single terminal result as JSON
// lines on stdout. Anything on stdout that is not a protocol line is treated
// as agent chatter and ignored.
package worker

import (
	"context"
	"encoding/json"
)

// TaskInput is the JSON document handed to a spawned agent on stdin.
type TaskInput struct {
	TaskID      string `json:"task_id"`
	DisplayID   string `json:"display_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// WorkingDir is the directory the agent executes in.
	WorkingDir string `json:"working_dir"`
	WaveID     string `json:"wave_id"`
	WorkerID   string `json:"worker_id"`
	// HeartbeatIntervalSeconds tells the agent how often to emit heartbeats.
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds"`
}

// EventKind discriminates protocol lines from the agent.
type EventKind string

const (
	// EventHeartbeat is a periodic liveness and progress signal.
	EventHeartbeat EventKind = "heartbeat"
	// EventResult is the agent's single terminal outcome.
	EventResult EventKind = "result"
)

// Event is one decoded protocol line.
type Event struct {
	Kind EventKind `json:"type"`
	// Heartbeat fields.
	Progress int    `json:"progress,omitempty"`
	Step     string `json:"step,omitempty"`
	// Result fields.
	Success      bool   `json:"success,omitempty"`
	Error        string `json:"error,omitempty"`
	FilesChanged int    `json:"files_changed,omitempty"`
}

// parseEvent decodes one stdout line. Returns false for lines that are not
// protocol events.
func parseEvent(line []byte) (Event, bool) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return Event{}, false
	}
	switch ev.Kind {
	case EventHeartbeat, EventResult:
		return ev, true
	default:
		return Event{}, false
	}
}

// Handle controls one running agent.
type Handle interface {
	// PID returns the OS process id, or 0 if not process-backed.
	PID() int
	// Events streams decoded protocol events. The channel closes after the
	// agent exits; a terminal result is always delivered before close, even
	// if the agent crashed without reporting one.
	Events() <-chan Event
	// Interrupt asks the agent to stop gracefully.
	Interrupt() error
	// Kill terminates the agent immediately.
	Kill() error
	// Wait blocks until the agent has exited and returns its exit error.
	Wait() error
}

// Runner spawns agents.
type Runner interface {
	Start(ctx context.Context, input TaskInput) (Handle, error)
}
