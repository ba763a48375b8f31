package worker

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestParseEvent(t *testing.T) {
	cases := []struct {
		line string
		want EventKind
		ok   bool
	}{
		{`{"type":"heartbeat","progress":40,"step":"writing tests"}`, EventHeartbeat, true},
		{`{"type":"result","success":true,"files_changed":3}`, EventResult, true},
		{`{"type":"banter"}`, "", false},
		{`compiling module...`, "", false},
		{``, "", false},
	}
	for _, c := range cases {
		ev, ok := parseEvent([]byte(c.line))
		if ok != c.ok {
			t.Errorf("parseEvent(%q) ok = %v, want %v", c.line, ok, c.ok)
			continue
		}
		if ok && ev.Kind != c.want {
			t.Errorf("parseEvent(%q) kind = %s, want %s", c.line, ev.Kind, c.want)
		}
	}
}

func collectEvents(t *testing.T, h Handle) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatal("timed out waiting for agent events")
		}
	}
}

func TestProcessRunnerDeliversResult(t *testing.T) {
	// The fake agent confirms it received the task input on stdin, emits a
	// heartbeat, some chatter, and a terminal result.
	script := `
input=$(cat)
case "$input" in
  *task-123*) ;;
  *) echo '{"type":"result","success":false,"error":"no input"}'; exit 1;;
esac
echo '{"type":"heartbeat","progress":10,"step":"reading"}'
echo 'agent chatter that is not protocol'
echo '{"type":"result","success":true,"files_changed":2}'
`
	r := NewProcessRunner("sh", "-c", script)
	h, err := r.Start(context.Background(), TaskInput{
		TaskID:     "task-123",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events := collectEvents(t, h)
	if len(events) != 2 {
		t.Fatalf("expected heartbeat + result, got %+v", events)
	}
	if events[0].Kind != EventHeartbeat || events[0].Progress != 10 {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	last := events[1]
	if last.Kind != EventResult || !last.Success || last.FilesChanged != 2 {
		t.Errorf("unexpected result: %+v", last)
	}
	if err := h.Wait(); err != nil {
		t.Errorf("wait: %v", err)
	}
	if h.PID() == 0 {
		t.Error("expected a real pid")
	}
}

func TestProcessRunnerSynthesizesFailureOnCrash(t *testing.T) {
	script := `
cat > /dev/null
echo 'boom' >&2
exit 3
`
	r := NewProcessRunner("sh", "-c", script)
	h, err := r.Start(context.Background(), TaskInput{TaskID: "t", WorkingDir: t.TempDir()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	events := collectEvents(t, h)
	if len(events) != 1 {
		t.Fatalf("expected a single synthesized result, got %+v", events)
	}
	result := events[0]
	if result.Kind != EventResult || result.Success {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("stderr tail missing from error: %q", result.Error)
	}
	if h.Wait() == nil {
		t.Error("expected non-nil exit error")
	}
}
