package events

import (
	"path/filepath"
	"testing"

	"github.com/wavemux/wavemux/internal/store"
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

func TestEmitPersistsAndDelivers(t *testing.T) {
	s := newTestStore(t)
	e := NewEmitter(s, 4)

	e.Emit(models.Event{Type: models.EventRunStarted, RunID: "run-1"})
	e.Emit(models.Event{Type: models.EventWaveStarted, RunID: "run-1", WaveID: "wave-1"})

	got := <-e.Events()
	if got.Type != models.EventRunStarted || got.Timestamp.IsZero() {
		t.Errorf("unexpected first event: %+v", got)
	}

	persisted, err := s.ListEvents("run-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("expected 2 persisted events, got %d", len(persisted))
	}
	if persisted[1].WaveID != "wave-1" {
		t.Errorf("unexpected second event: %+v", persisted[1])
	}
}

func TestEmitDropsWhenSubscriberStalls(t *testing.T) {
	s := newTestStore(t)
	e := NewEmitter(s, 1)

	// Nobody reads: the first fills the buffer, the second is dropped.
	e.Emit(models.Event{Type: models.EventRunStarted, RunID: "run-1"})
	e.Emit(models.Event{Type: models.EventWaveStarted, RunID: "run-1"})

	if e.DroppedCount() != 1 {
		t.Errorf("dropped = %d, want 1", e.DroppedCount())
	}

	// Even the dropped event made it to the log.
	persisted, err := s.ListEvents("run-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(persisted) != 2 {
		t.Errorf("expected 2 persisted events, got %d", len(persisted))
	}
}
