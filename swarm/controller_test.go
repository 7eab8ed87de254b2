package swarm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

func newTestService(t *testing.T) (*db.Store, *db.TransitionService) {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.Migrate(gdb))
	store := db.NewStore(gdb)
	ts := db.NewTransitionService(store, nil, db.HeartbeatConfig{Interval: time.Minute, ReportFactor: 3})
	return store, ts
}

func bindFanOut(t *testing.T, store *db.Store, args string, n, maxConcurrency int) *db.BindResult {
	t.Helper()
	req := db.BindRequest{
		Tool:                   "test-tool",
		WorkflowArgs:           args,
		MaxConcurrentlyRunning: maxConcurrency,
	}
	for i := 0; i < n; i++ {
		req.Tasks = append(req.Tasks, db.BindTask{
			TaskTemplate: "fan",
			NodeArgs:     map[string]string{"n": fmt.Sprintf("%d", i)},
			Name:         fmt.Sprintf("fan_%d", i),
			Command:      "echo fan",
			MaxAttempts:  1,
			Resources:    resource.ComputeResources{MemoryBytes: 1 << 30, Queue: "all.q"},
		})
	}
	result, err := store.BindWorkflow(context.Background(), req, 100)
	require.NoError(t, err)
	return result
}

// driveInstances plays the distributor: it repeatedly finishes whatever the
// controller queued, recording the maximum concurrently-active task count
// it ever observed.
func driveInstances(ctx context.Context, t *testing.T, store *db.Store, ts *db.TransitionService, workflowID int64, fail func(taskID int64) bool) (maxActive int) {
	t.Helper()
	for ctx.Err() == nil {
		wf, err := store.GetWorkflow(ctx, workflowID)
		require.NoError(t, err)
		if wf.Status == fsm.WFDone || wf.Status == fsm.WFFailed {
			return maxActive
		}

		active, err := store.ActiveTaskCount(ctx, workflowID, 0)
		require.NoError(t, err)
		if active > maxActive {
			maxActive = active
		}

		var instances []db.TaskInstance
		err = store.DB.WithContext(ctx).
			Where("status = ?", fsm.TIInstantiated).Order("id").Find(&instances).Error
		require.NoError(t, err)

		for _, ti := range instances {
			_, err := ts.TransitionBatchToLaunched(ctx, ti.ArrayID, []int64{ti.ID}, "drv", ti.WorkflowRunID)
			if err != nil {
				continue
			}
			if _, err := ts.LogRunning(ctx, ti.ID, "node001", 1); err != nil {
				continue
			}
			if fail != nil && fail(ti.TaskID) {
				_, _ = ts.TransitionTaskInstance(ctx, ti.ID, fsm.TIError, db.TransitionContext{ErrorMessage: "boom"})
			} else {
				_, _ = ts.TransitionTaskInstance(ctx, ti.ID, fsm.TIDone, db.TransitionContext{})
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return maxActive
}

func TestControllerDrivesWorkflowDone(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := bindFanOut(t, store, "ctl-done", 4, 100)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	controller := New(store, ts, result.Workflow.ID, run.ID, Config{PollInterval: 20 * time.Millisecond}, nil)

	done := make(chan struct{})
	var final fsm.WorkflowStatus
	var runErr error
	go func() {
		defer close(done)
		final, runErr = controller.Run(ctx)
	}()

	driveInstances(ctx, t, store, ts, result.Workflow.ID, nil)
	<-done
	require.NoError(t, runErr)
	assert.Equal(t, fsm.WFDone, final)

	finished, err := store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.WFRDone, finished.Status)
}

func TestControllerHonorsConcurrencyCap(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	result := bindFanOut(t, store, "ctl-cap", 10, 2)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	controller := New(store, ts, result.Workflow.ID, run.ID, Config{PollInterval: 10 * time.Millisecond}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Run(ctx)
	}()

	maxActive := driveInstances(ctx, t, store, ts, result.Workflow.ID, nil)
	<-done
	assert.LessOrEqual(t, maxActive, 2, "never more than the cap concurrently active")

	counts, err := store.TaskStatusCounts(ctx, result.Workflow.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, counts[fsm.TaskDone])
}

func TestControllerEmptyWorkflowImmediatelyDone(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := db.BindRequest{Tool: "test-tool", WorkflowArgs: "ctl-empty"}
	result, err := store.BindWorkflow(ctx, req, 100)
	require.NoError(t, err)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	controller := New(store, ts, result.Workflow.ID, run.ID, Config{PollInterval: 10 * time.Millisecond}, nil)
	final, err := controller.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, fsm.WFDone, final)
}

func TestControllerFailFast(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := bindFanOut(t, store, "ctl-failfast", 3, 1)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	var firstTask db.Task
	require.NoError(t, store.DB.Where("workflow_id = ?", result.Workflow.ID).Order("id").First(&firstTask).Error)

	controller := New(store, ts, result.Workflow.ID, run.ID, Config{PollInterval: 10 * time.Millisecond, FailFast: true}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		controller.Run(ctx)
	}()

	go driveInstances(ctx, t, store, ts, result.Workflow.ID, func(taskID int64) bool {
		return taskID == firstTask.ID
	})

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("controller did not exit on fatal task")
	}

	halted, err := store.GetWorkflowRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Contains(t, []fsm.WorkflowRunStatus{fsm.WFRHalted, fsm.WFRError}, halted.Status)
}

func TestControllerTimeoutHaltsRun(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := bindFanOut(t, store, "ctl-timeout", 1, 1)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	// Nothing drives the queued work, so the timeout fires.
	controller := New(store, ts, result.Workflow.ID, run.ID, Config{
		PollInterval: 10 * time.Millisecond,
		Timeout:      150 * time.Millisecond,
	}, nil)
	_, err = controller.Run(ctx)
	require.NoError(t, err)

	halted, err := store.GetWorkflowRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, fsm.WFRHalted, halted.Status)
}

func TestControllerStopsWhenSuperseded(t *testing.T) {
	store, ts := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := bindFanOut(t, store, "ctl-superseded", 1, 1)
	run, err := ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	controller := New(store, ts, result.Workflow.ID, run.ID, Config{PollInterval: 10 * time.Millisecond}, nil)
	done := make(chan error, 1)
	go func() {
		_, err := controller.Run(ctx)
		done <- err
	}()

	// Let the controller attach, then supersede it.
	time.Sleep(50 * time.Millisecond)
	_, err = ts.CreateWorkflowRun(ctx, result.Workflow.ID, "tester", "3.1.0", db.ResumeHot)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.Error(t, err, "a superseded controller must stop with an error")
	case <-ctx.Done():
		t.Fatal("controller kept running after losing the lease")
	}
}
