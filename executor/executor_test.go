package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	e := NewCommandExecutor()
	result, err := e.Execute(context.Background(), "echo hello", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Output, "hello")
	assert.NotZero(t, result.ProcessID)
}

func TestExecuteFailure(t *testing.T) {
	e := NewCommandExecutor()
	result, err := e.Execute(context.Background(), "exit 3", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Equal(t, 3, result.ExitCode)
}

func TestExecuteRuntimeLimit(t *testing.T) {
	e := NewCommandExecutor()
	start := time.Now()
	result, err := e.Execute(context.Background(), "sleep 5", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, result.Status)
	assert.Less(t, time.Since(start), 3*time.Second, "the limit kills the command early")
}

func TestExecuteEmptyCommand(t *testing.T) {
	e := NewCommandExecutor()
	_, err := e.Execute(context.Background(), "", 0)
	assert.Error(t, err)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	e := NewCommandExecutor()
	result, err := e.Execute(context.Background(), "yes x | head -c 100000; exit 1", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.LessOrEqual(t, len(result.Output), outputTail)
}
