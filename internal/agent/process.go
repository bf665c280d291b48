package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/aristath/agentgraph/internal/core"
)

// ExitTempFail is the exit code (EX_TEMPFAIL) a process agent uses to ask for a retry.
const ExitTempFail = 75

// maxLineSize bounds one line of agent stdout.
const maxLineSize = 4 << 20

// ProcessAgent runs an external command per invocation. The command receives
//
//	{"agent_id": "...", "input": {...}}
//
// on stdin and writes newline-delimited JSON to stdout. Lines carrying "tool"
// report a tool call as it happens; the line carrying "output" is the result.
type ProcessAgent struct {
	ID      string
	Command string
	Args    []string
	Env     []string
	Dir     string
	PM      *ProcessManager
}

type processRequest struct {
	AgentID string                 `json:"agent_id"`
	Input   map[string]core.Output `json:"input"`
}

type processLine struct {
	Tool       string      `json:"tool,omitempty"`
	Output     core.Output `json:"output,omitempty"`
	Confidence float64     `json:"confidence"`
	Error      string      `json:"error,omitempty"`
	Retryable  bool        `json:"retryable,omitempty"`
}

// Run executes the command once.
func (p *ProcessAgent) Run(ctx context.Context, input map[string]core.Output) (core.Output, float64, error) {
	payload, err := json.Marshal(processRequest{AgentID: p.ID, Input: input})
	if err != nil {
		return nil, 0, Permanent(fmt.Errorf("failed to encode input: %w", err))
	}

	cmd := newCommand(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(payload)

	var result *processLine
	onLine := func(line []byte) {
		var msg processLine
		if err := json.Unmarshal(line, &msg); err != nil {
			slog.Debug("ignoring non-JSON agent output", "agent", p.ID, "line", string(line))
			return
		}
		switch {
		case msg.Tool != "":
			ReportToolCall(ctx, msg.Tool)
		case msg.Output != nil || msg.Error != "":
			result = &msg
		}
	}

	_, err = executeCommand(cmd, p.PM, onLine)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, 0, fmt.Errorf("agent %q: %w", p.ID, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == ExitTempFail {
			return nil, 0, Transient(fmt.Errorf("agent %q: %w", p.ID, err))
		}
		return nil, 0, Permanent(fmt.Errorf("agent %q: %w", p.ID, err))
	}

	switch {
	case result == nil:
		return nil, 0, Permanent(fmt.Errorf("agent %q produced no output line", p.ID))
	case result.Error != "" && result.Retryable:
		return nil, 0, Transient(fmt.Errorf("agent %q: %s", p.ID, result.Error))
	case result.Error != "":
		return nil, 0, Permanent(fmt.Errorf("agent %q: %s", p.ID, result.Error))
	}
	return result.Output, result.Confidence, nil
}

// newCommand creates an exec.Cmd in its own process group. Cancelling ctx kills
// the whole group, not just the direct child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// executeCommand starts cmd, feeds each stdout line to onLine as it arrives and
// returns captured stderr. Both pipes are drained before Wait so a chatty child
// cannot deadlock on a full pipe buffer.
func executeCommand(cmd *exec.Cmd, pm *ProcessManager, onLine func([]byte)) (stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdoutPipe)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			if line := bytes.TrimSpace(scanner.Bytes()); len(line) > 0 {
				onLine(line)
			}
		}
		// Keep draining after a scanner error so the child never blocks.
		io.Copy(io.Discard, stdoutPipe)
	}()

	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()

	wg.Wait()
	waitErr := cmd.Wait()

	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
		}
		return stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stderr, nil
}

// killProcessGroup sends SIGKILL to cmd's whole process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running agent subprocesses so they can all be killed on
// shutdown.
//
//	pm := agent.NewProcessManager()
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	go func() { <-ctx.Done(); pm.KillAll() }()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates an empty manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess once it has been waited for.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll kills every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("failed to kill process %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
