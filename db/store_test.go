package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

func TestGetOrCreateDeduplicates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tool, created, err := store.GetOrCreateTool(ctx, "dalynator")
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := store.GetOrCreateTool(ctx, "dalynator")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, tool.ID, again.ID)

	tv, created, err := store.GetOrCreateToolVersion(ctx, tool.ID, "2.0")
	require.NoError(t, err)
	assert.True(t, created)

	tt, _, err := store.GetOrCreateTaskTemplate(ctx, tv.ID, "most_detailed")
	require.NoError(t, err)

	ttv1, created, err := store.GetOrCreateTaskTemplateVersion(ctx, tt.ID, "run {loc}", []string{"Loc"})
	require.NoError(t, err)
	assert.True(t, created)
	ttv2, created, err := store.GetOrCreateTaskTemplateVersion(ctx, tt.ID, "run {loc}", []string{"loc "})
	require.NoError(t, err)
	assert.False(t, created, "canonically equal arg sets resolve to the same version")
	assert.Equal(t, ttv1.ID, ttv2.ID)

	node1, _, err := store.GetOrCreateNode(ctx, ttv1.ID, map[string]string{"loc": "US"})
	require.NoError(t, err)
	node2, created, err := store.GetOrCreateNode(ctx, ttv1.ID, map[string]string{"loc": "US"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, node1.ID, node2.ID)
}

func TestBindWorkflowIdempotent(t *testing.T) {
	store := newTestStore(t)

	first := bindChain(t, store, "version=1", "a", "b", "c")
	assert.True(t, first.Created)
	assert.False(t, first.ResumeRequired)
	assert.Len(t, first.TaskIDs, 3)

	second := bindChain(t, store, "version=1", "a", "b", "c")
	assert.False(t, second.Created)
	assert.Equal(t, first.Workflow.ID, second.Workflow.ID, "binding the same args twice yields the same workflow")
	assert.Equal(t, first.TaskIDs, second.TaskIDs)

	other := bindChain(t, store, "version=2", "a", "b", "c")
	assert.NotEqual(t, first.Workflow.ID, other.Workflow.ID)
}

func TestBindRejectsSelfDependency(t *testing.T) {
	store := newTestStore(t)
	req := BindRequest{
		Tool:         "test-tool",
		WorkflowArgs: "selfdep",
		Tasks: []BindTask{{
			TaskTemplate: "step",
			NodeArgs:     map[string]string{"n": "1"},
			Name:         "a",
			Command:      "echo a",
			Upstreams:    []int{0},
		}},
	}
	_, err := store.BindWorkflow(context.Background(), req, 100)
	var ve *common.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestBindResumeRequiredAfterRun(t *testing.T) {
	store, ts := newTestService(t)
	result := bindChain(t, store, "resume-check", "a")
	openRun(t, ts, result.Workflow.ID)

	again := bindChain(t, store, "resume-check", "a")
	assert.False(t, again.Created)
	assert.True(t, again.ResumeRequired)
}

func TestBulkInsertTasksChunksAndSkipsExisting(t *testing.T) {
	store := newTestStore(t)
	result := bindChain(t, store, "bulk", "a", "b")

	tasks, err := store.TasksByWorkflow(context.Background(), result.Workflow.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, fsm.TaskRegistering, task.Status)
		assert.Equal(t, 1, task.MaxAttempts)
	}

	// Rebinding inserts nothing new.
	rebound := bindChain(t, store, "bulk", "a", "b")
	tasksAfter, err := store.TasksByWorkflow(context.Background(), rebound.Workflow.ID)
	require.NoError(t, err)
	assert.Len(t, tasksAfter, 2)
}

func TestUpsertWorkflowAttributes(t *testing.T) {
	store := newTestStore(t)
	result := bindChain(t, store, "attrs", "a")
	ctx := context.Background()

	require.NoError(t, store.UpsertWorkflowAttributes(ctx, result.Workflow.ID, map[string]string{"team": "forecasting"}))
	require.NoError(t, store.UpsertWorkflowAttributes(ctx, result.Workflow.ID, map[string]string{"team": "costs"}))

	var attrs []WorkflowAttribute
	require.NoError(t, store.DB.Where("workflow_id = ?", result.Workflow.ID).Find(&attrs).Error)
	require.Len(t, attrs, 1)
	assert.Equal(t, "costs", attrs[0].Value)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetWorkflow(context.Background(), 9999)
	var nf *common.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestIsResumable(t *testing.T) {
	store, ts := newTestService(t)
	result := bindChain(t, store, "resumable", "a")
	ctx := context.Background()

	resumable, err := store.IsResumable(ctx, result.Workflow.ID)
	require.NoError(t, err)
	assert.True(t, resumable, "no run yet")

	run := openRun(t, ts, result.Workflow.ID)
	resumable, err = store.IsResumable(ctx, result.Workflow.ID)
	require.NoError(t, err)
	assert.False(t, resumable, "a current run holds the lease")

	_, err = ts.TransitionWorkflowRun(ctx, run.ID, fsm.WFRHalted)
	require.NoError(t, err)
	resumable, err = store.IsResumable(ctx, result.Workflow.ID)
	require.NoError(t, err)
	assert.True(t, resumable, "halted runs are resumable")
}
