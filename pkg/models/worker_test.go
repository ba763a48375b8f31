package models

import "testing"

func TestWorkerStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkerStatus
		want     bool
	}{
		{WorkerStatusSpawning, WorkerStatusRunning, true},
		{WorkerStatusRunning, WorkerStatusStuck, true},
		{WorkerStatusStuck, WorkerStatusRunning, true},
		{WorkerStatusStuck, WorkerStatusTerminated, true},
		{WorkerStatusRunning, WorkerStatusCompleting, true},
		{WorkerStatusCompleting, WorkerStatusTerminated, true},
		// Nothing moves past a terminal state.
		{WorkerStatusTerminated, WorkerStatusRunning, false},
		{WorkerStatusTerminated, WorkerStatusTerminated, false},
		{WorkerStatusFailed, WorkerStatusRunning, false},
		{WorkerStatusSpawning, WorkerStatusStuck, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestWorkerStatusTerminal(t *testing.T) {
	if !WorkerStatusTerminated.Terminal() || !WorkerStatusFailed.Terminal() {
		t.Error("terminated and failed should be terminal")
	}
	if WorkerStatusStuck.Terminal() {
		t.Error("stuck is recoverable, not terminal")
	}
}

func TestPairKey(t *testing.T) {
	a, b := PairKey("task-b", "task-a")
	if a != "task-a" || b != "task-b" {
		t.Errorf("PairKey returned (%s, %s), want canonical ordering", a, b)
	}

	a, b = PairKey("task-a", "task-b")
	if a != "task-a" || b != "task-b" {
		t.Errorf("PairKey returned (%s, %s), want order preserved", a, b)
	}
}

func TestRunStatusTransitions(t *testing.T) {
	if !RunStatusRunning.CanTransition(RunStatusPaused) {
		t.Error("running -> paused should be legal")
	}
	if !RunStatusPaused.CanTransition(RunStatusRunning) {
		t.Error("paused -> running should be legal")
	}
	if RunStatusCompleted.CanTransition(RunStatusRunning) {
		t.Error("completed is terminal")
	}
	if RunStatusPending.CanTransition(RunStatusPaused) {
		t.Error("pending -> paused should be illegal")
	}
}
