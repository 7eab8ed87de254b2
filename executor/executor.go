// Package executor runs task commands locally for the multiprocess
// distributor. It is the thinnest possible scheduler adapter: launch a
// shell command, watch the wallclock, report how it ended.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// Status classifies how an execution ended.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Result is the outcome of one command execution.
type Result struct {
	Status        Status
	ExitCode      int
	ProcessID     int
	StartTime     time.Time
	EndTime       time.Time
	WallclockSecs int64
	Output        string // combined stdout/stderr tail, for error logs
}

// CommandExecutor executes shell commands.
type CommandExecutor struct {
	Shell string
}

// NewCommandExecutor returns an executor using /bin/sh.
func NewCommandExecutor() *CommandExecutor {
	return &CommandExecutor{Shell: "/bin/sh"}
}

// outputTail bounds how much combined output survives into error logs.
const outputTail = 4096

// Execute runs the command, honoring a runtime limit when positive. The
// returned error is non-nil only for launch failures; command failures are
// reported through Result.
func (e *CommandExecutor) Execute(ctx context.Context, command string, runtimeLimit time.Duration) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if runtimeLimit > 0 {
		runCtx, cancel = context.WithTimeout(ctx, runtimeLimit)
		defer cancel()
	}

	result := &Result{StartTime: time.Now()}
	cmd := exec.CommandContext(runCtx, e.Shell, "-c", command)
	output, err := cmd.CombinedOutput()

	result.EndTime = time.Now()
	result.WallclockSecs = int64(result.EndTime.Sub(result.StartTime).Seconds())
	if len(output) > outputTail {
		output = output[len(output)-outputTail:]
	}
	result.Output = string(output)
	if cmd.Process != nil {
		result.ProcessID = cmd.Process.Pid
	}

	switch {
	case err == nil:
		result.Status = StatusCompleted
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = StatusTimedOut
		result.ExitCode = -1
	default:
		result.Status = StatusFailed
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("failed to launch command: %w", err)
		}
	}
	return result, nil
}
