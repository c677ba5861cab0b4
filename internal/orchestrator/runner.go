package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// cmdOutputLimit bounds captured stdout/stderr; student code can print
// arbitrary amounts.
const cmdOutputLimit = 16000

// defaultCmdTimeout bounds a single external step (compile, emulator run,
// graphing). The queue-level limit is wider and catches everything else.
const defaultCmdTimeout = 600 * time.Second

// CmdResult captures one external command invocation.
type CmdResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Output renders the captured streams the way they are appended to task
// error logs.
func (r *CmdResult) Output() string {
	return fmt.Sprintf("stderr:\n%s\nstdout:\n%s\n", r.Stderr, r.Stdout)
}

// CmdError is returned for a non-zero exit or a timeout.
type CmdError struct {
	Command string // first word of each command, arguments hidden
	Result  CmdResult
}

func (e *CmdError) Error() string {
	if e.Result.TimedOut {
		return fmt.Sprintf("command timed out: %s", e.Command)
	}
	return fmt.Sprintf("command failed with exit code %d: %s\n\n%s",
		e.Result.ExitCode, e.Command, e.Result.Output())
}

// CommandRunner executes one shell command line. Implementations must honor
// context cancellation by killing the whole process group; the emulator
// forks children that would otherwise outlive the run.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (*CmdResult, error)
}

// ExecRunner runs commands through bash with a per-step timeout and
// process-group kill semantics.
type ExecRunner struct {
	Timeout time.Duration
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{Timeout: defaultCmdTimeout}
}

// commandNames reduces a shell line to its command words for logs shown to
// users, hiding arguments.
func commandNames(command string) string {
	parts := strings.Split(command, "&&")
	names := make([]string, 0, len(parts))
	for _, p := range parts {
		fields := strings.Fields(p)
		if len(fields) > 0 {
			names = append(names, fields[0])
		}
	}
	return strings.Join(names, "; ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func (r *ExecRunner) Run(ctx context.Context, dir, command string) (*CmdResult, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = defaultCmdTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/usr/bin/bash", "-c", command)
	cmd.Dir = dir
	// New process group so cancellation reaps the emulator's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &CmdResult{
		Stdout:   truncate(stdout.String(), cmdOutputLimit),
		Stderr:   truncate(stderr.String(), cmdOutputLimit),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || res.TimedOut {
		if exitErr != nil {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		return res, &CmdError{Command: commandNames(command), Result: *res}
	}
	return res, fmt.Errorf("start command %s: %w", commandNames(command), err)
}
