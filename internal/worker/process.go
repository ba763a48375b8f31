package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ProcessRunner spawns agents as OS processes. The configured command is
// typically a wrapper script around the coding agent; it receives the
// TaskInput on stdin and must speak the stdout line protocol.
type ProcessRunner struct {
	command string
	args    []string
}

// NewProcessRunner creates a runner for the given agent command.
func NewProcessRunner(command string, args ...string) *ProcessRunner {
	return &ProcessRunner{command: command, args: args}
}

// Start launches the agent process and begins decoding its stdout.
func (r *ProcessRunner) Start(ctx context.Context, input TaskInput) (Handle, error) {
	cmd := exec.CommandContext(ctx, r.command, r.args...)
	if input.WorkingDir != "" {
		cmd.Dir = input.WorkingDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	h := &processHandle{
		cmd:    cmd,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &h.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent %s: %w", r.command, err)
	}

	go func() {
		defer stdin.Close()
		payload, err := json.Marshal(input)
		if err != nil {
			return
		}
		stdin.Write(payload)
		stdin.Write([]byte("\n"))
	}()

	go h.pump(stdout)
	return h, nil
}

type processHandle struct {
	cmd    *exec.Cmd
	events chan Event
	done   chan struct{}
	stderr tailBuffer

	mu      sync.Mutex
	waitErr error
}

func (h *processHandle) pump(stdout io.Reader) {
	sawResult := false

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		ev, ok := parseEvent(scanner.Bytes())
		if !ok {
			continue
		}
		if ev.Kind == EventResult {
			sawResult = true
		}
		h.events <- ev
	}

	err := h.cmd.Wait()
	h.mu.Lock()
	h.waitErr = err
	h.mu.Unlock()

	// An agent that exits without reporting an outcome failed.
	if !sawResult {
		reason := "agent exited without reporting a result"
		if err != nil {
			reason = fmt.Sprintf("agent exited: %v", err)
		}
		if tail := h.stderr.String(); tail != "" {
			reason += "; stderr: " + tail
		}
		h.events <- Event{Kind: EventResult, Success: false, Error: reason}
	}

	close(h.events)
	close(h.done)
}

func (h *processHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *processHandle) Events() <-chan Event { return h.events }

func (h *processHandle) Interrupt() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(os.Interrupt)
}

func (h *processHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *processHandle) Wait() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// tailBuffer keeps the last portion of the agent's stderr for error context.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

const tailLimit = 2048

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > tailLimit {
		b.buf = b.buf[len(b.buf)-tailLimit:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
