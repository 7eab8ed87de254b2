package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDomainErrorMessages(t *testing.T) {
	it := &InvalidTransitionError{Entity: "task", ID: 7, From: "D", To: "Q"}
	assert.Contains(t, it.Error(), "D -> Q")

	ue := &UnauthorizedError{Username: "mallory", Owner: "alice"}
	assert.Contains(t, ue.Error(), "mallory")
	assert.Contains(t, ue.Error(), "alice")

	nc := &WorkflowRunNotCurrentError{WorkflowRunID: 12}
	assert.Contains(t, nc.Error(), "12")
}

func TestIsDomainError(t *testing.T) {
	assert.True(t, IsDomainError(NewValidationError("bad %s", "input")))
	assert.True(t, IsDomainError(&NotFoundError{Entity: "task", ID: 1}))
	assert.True(t, IsDomainError(&ConflictError{Message: "race"}))
	assert.True(t, IsDomainError(fmt.Errorf("wrapped: %w", &WorkflowRunNotCurrentError{WorkflowRunID: 1})))
	assert.True(t, IsDomainError(ErrDatabaseUnavailable))
	assert.False(t, IsDomainError(errors.New("some bug")))
	assert.False(t, IsDomainError(nil))
}

func TestRunContextFields(t *testing.T) {
	fields := RunContext{WorkflowRunID: 5, TaskInstanceID: 9}.Fields()
	assert.Equal(t, int64(5), fields["workflow_run_id"])
	assert.Equal(t, int64(9), fields["task_instance_id"])
	_, hasWorkflow := fields["workflow_id"]
	assert.False(t, hasWorkflow, "unset ids are omitted")
}
