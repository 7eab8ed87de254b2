package db

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// openTestDB gives each test its own in-memory database. The pool is
// pinned to one connection so every session sees the same sqlite memory.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, Migrate(gdb))
	return gdb
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(openTestDB(t))
}

func newTestService(t *testing.T) (*Store, *TransitionService) {
	t.Helper()
	store := newTestStore(t)
	ts := NewTransitionService(store, nil, HeartbeatConfig{Interval: 90 * time.Second, ReportFactor: 3})
	return store, ts
}

// bindChain binds a linear workflow A -> B -> ... with one task per letter
// and returns the bind result.
func bindChain(t *testing.T, store *Store, workflowArgs string, names ...string) *BindResult {
	t.Helper()
	req := BindRequest{
		Tool:         "test-tool",
		ToolVersion:  "1.0.0",
		WorkflowName: "chain",
		WorkflowArgs: workflowArgs,
	}
	for i, name := range names {
		task := BindTask{
			TaskTemplate: "step",
			CommandTemplate: "run {name}",
			ArgNames:     []string{"name"},
			NodeArgs:     map[string]string{"name": name},
			Name:         name,
			Command:      "echo " + name,
			MaxAttempts:  1,
			Resources:    resource.ComputeResources{MemoryBytes: 1 << 30, RuntimeSeconds: 60, Cores: 1, Queue: "all.q"},
		}
		if i > 0 {
			task.Upstreams = []int{i - 1}
		}
		req.Tasks = append(req.Tasks, task)
	}
	result, err := store.BindWorkflow(context.Background(), req, 100)
	require.NoError(t, err)
	return result
}

// openRun binds nothing extra, just opens a run for the workflow.
func openRun(t *testing.T, ts *TransitionService, workflowID int64) *WorkflowRun {
	t.Helper()
	run, err := ts.CreateWorkflowRun(context.Background(), workflowID, "tester", "3.1.0", ResumeHot)
	require.NoError(t, err)
	return run
}

// taskByName fetches one task of the workflow by its bound name.
func taskByName(t *testing.T, store *Store, workflowID int64, name string) *Task {
	t.Helper()
	var task Task
	err := store.DB.Where("workflow_id = ? AND name = ?", workflowID, name).First(&task).Error
	require.NoError(t, err)
	return &task
}

// driveToRunning queues the task's batch and walks its fresh instance to
// running, returning the instance.
func driveToRunning(t *testing.T, ts *TransitionService, store *Store, task *Task, runID int64) *TaskInstance {
	t.Helper()
	ctx := context.Background()
	qb, err := ts.QueueTaskBatch(ctx, task.ArrayID, uniqueBatchKey(task), []int64{task.ID}, runID)
	require.NoError(t, err)
	require.Len(t, qb.Instances, 1)

	ti := qb.Instances[0]
	_, err = ts.TransitionBatchToLaunched(ctx, task.ArrayID, []int64{ti.ID}, "batch-1", runID)
	require.NoError(t, err)
	_, err = ts.LogRunning(ctx, ti.ID, "node001", 4242)
	require.NoError(t, err)

	fresh, err := store.GetTaskInstance(ctx, ti.ID)
	require.NoError(t, err)
	return fresh
}

func uniqueBatchKey(task *Task) string {
	return HashString(MarshalJSONString(map[string]interface{}{
		"task": task.ID, "attempt": task.NumAttempts,
	}))
}
