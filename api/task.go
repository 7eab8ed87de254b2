package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// TaskInstances lists a task's attempts.
func (h *Handlers) TaskInstances(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetTask(ctx, id); err != nil {
		return err
	}
	instances, err := h.Store.TaskInstancesByTask(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_instances": instances,
		"server_time":    h.serverTime(),
	})
}

// TaskInstanceErrorLogs lists one attempt's captured errors.
func (h *Handlers) TaskInstanceErrorLogs(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetTaskInstance(ctx, id); err != nil {
		return err
	}
	logs, err := h.Store.ErrorLogs(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"error_logs": logs})
}

type updateTaskStatusRequest struct {
	Status string `json:"status"`
}

// UpdateTaskStatus is the admin override. It goes through the transition
// service like every other mutation, so an override to done cascades
// downstream activation exactly like a real completed attempt.
func (h *Handlers) UpdateTaskStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req updateTaskStatusRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed request: %v", err)
	}
	target := fsm.TaskStatus(req.Status)
	switch target {
	case fsm.TaskRegistering, fsm.TaskQueued, fsm.TaskInstantiating, fsm.TaskLaunched,
		fsm.TaskRunning, fsm.TaskDone, fsm.TaskErrorRecoverable, fsm.TaskAdjusting, fsm.TaskErrorFatal:
	default:
		return common.NewValidationError("unknown task status %q", req.Status)
	}

	ctx := c.Request().Context()
	task, err := h.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if err := h.requireOwner(ctx, c, task.WorkflowID); err != nil {
		return err
	}

	updated, err := h.Transitions.TransitionTask(ctx, id, target)
	if err != nil {
		return err
	}
	if updated.Status.IsTerminal() {
		h.invalidateStatusCache(c, updated.ID)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_id":     updated.ID,
		"status":      updated.Status,
		"server_time": h.serverTime(),
	})
}
