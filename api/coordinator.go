package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// The coordinator protocol. The distributor is stateless between calls;
// the server is the source of truth, and every mutating call validates
// that the referenced workflow run still holds the current lease.

type queueBatchRequest struct {
	BatchKey      string  `json:"batch_key"`
	TaskIDs       []int64 `json:"task_ids"`
	WorkflowRunID int64   `json:"workflow_run_id"`
}

type taskInstancePayload struct {
	TaskInstanceID int64                  `json:"task_instance_id"`
	TaskID         int64                  `json:"task_id"`
	ArrayBatchID   int64                  `json:"array_batch_id"`
	ArrayStepID    int                    `json:"array_step_id"`
	AttemptNumber  int                    `json:"attempt_number"`
	Status         fsm.TaskInstanceStatus `json:"status"`
	Command        string                 `json:"command"`
	Resources      string                 `json:"resources"`
}

// QueueTaskBatch creates instances for one submission batch, idempotently
// by (array id, batch key).
func (h *Handlers) QueueTaskBatch(c echo.Context) error {
	arrayID, err := pathID(c)
	if err != nil {
		return err
	}
	var req queueBatchRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed batch request: %v", err)
	}
	if req.BatchKey == "" || req.WorkflowRunID == 0 {
		return common.NewValidationError("batch_key and workflow_run_id are required")
	}

	qb, err := h.Transitions.QueueTaskBatch(c.Request().Context(), arrayID, req.BatchKey, req.TaskIDs, req.WorkflowRunID)
	if err != nil {
		return err
	}
	payload := make([]taskInstancePayload, 0, len(qb.Instances))
	for _, ti := range qb.Instances {
		payload = append(payload, taskInstancePayload{
			TaskInstanceID: ti.ID,
			TaskID:         ti.TaskID,
			ArrayBatchID:   ti.ArrayBatchID,
			ArrayStepID:    ti.ArrayStepID,
			AttemptNumber:  ti.AttemptNumber,
			Status:         ti.Status,
			Command:        qb.Commands[ti.ID],
			Resources:      ti.Resources,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"array_batch_id": qb.Batch.ID,
		"batch_number":   qb.Batch.BatchNumber,
		"task_instances": payload,
		"server_time":    h.serverTime(),
	})
}

type launchedRequest struct {
	TaskInstanceIDs    []int64 `json:"task_instance_ids"`
	DistributorBatchID string  `json:"distributor_batch_id"`
	WorkflowRunID      int64   `json:"workflow_run_id"`
}

// TransitionToLaunched bulk-moves a batch's instances to launched once the
// scheduler accepted the submission.
func (h *Handlers) TransitionToLaunched(c echo.Context) error {
	arrayID, err := pathID(c)
	if err != nil {
		return err
	}
	var req launchedRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed launch request: %v", err)
	}
	if len(req.TaskInstanceIDs) == 0 || req.WorkflowRunID == 0 {
		return common.NewValidationError("task_instance_ids and workflow_run_id are required")
	}
	launched, err := h.Transitions.TransitionBatchToLaunched(c.Request().Context(), arrayID, req.TaskInstanceIDs, req.DistributorBatchID, req.WorkflowRunID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"launched": launched, "server_time": h.serverTime()})
}

// PendingTaskInstances lists instantiated instances of current runs, with
// their commands, for distributors that poll for work.
func (h *Handlers) PendingTaskInstances(c echo.Context) error {
	ctx := c.Request().Context()
	var instances []db.TaskInstance
	err := h.Store.DB.WithContext(ctx).
		Where("status = ?", fsm.TIInstantiated).
		Where("workflow_run_id IN (SELECT id FROM workflow_runs WHERE status IN ('G','L','R'))").
		Order("id").Limit(1000).Find(&instances).Error
	if err != nil {
		return err
	}

	payload := make([]map[string]interface{}, 0, len(instances))
	for _, ti := range instances {
		task, err := h.Store.GetTask(ctx, ti.TaskID)
		if err != nil {
			return err
		}
		payload = append(payload, map[string]interface{}{
			"task_instance_id": ti.ID,
			"task_id":          ti.TaskID,
			"array_id":         ti.ArrayID,
			"array_batch_id":   ti.ArrayBatchID,
			"workflow_run_id":  ti.WorkflowRunID,
			"command":          task.Command,
			"resources":        ti.Resources,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_instances": payload,
		"server_time":    h.serverTime(),
	})
}

type distributorIDRequest struct {
	DistributorID string `json:"distributor_id"`
}

// LogDistributorID records the scheduler's id for one instance.
func (h *Handlers) LogDistributorID(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req distributorIDRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed request: %v", err)
	}
	ctx := c.Request().Context()
	ti, err := h.Store.GetTaskInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := h.Transitions.RequireCurrentRun(ctx, ti.WorkflowRunID); err != nil {
		return err
	}
	if err := h.Transitions.LogDistributorID(ctx, id, req.DistributorID); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"server_time": h.serverTime()})
}

type logRunningRequest struct {
	NodeName  string `json:"node_name"`
	ProcessID int    `json:"process_id"`
}

// LogRunning reports a worker starting the command.
func (h *Handlers) LogRunning(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req logRunningRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed request: %v", err)
	}
	ti, err := h.Transitions.LogRunning(c.Request().Context(), id, req.NodeName, req.ProcessID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"status": ti.Status, "server_time": h.serverTime()})
}

type logDoneRequest struct {
	WallclockSecs int64 `json:"wallclock_secs"`
	MaxRSSBytes   int64 `json:"max_rss_bytes"`
}

// LogDone reports successful completion; the cascade marks the task done
// and activates downstreams in the same transaction.
func (h *Handlers) LogDone(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req logDoneRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed request: %v", err)
	}
	ctx := c.Request().Context()
	ti, err := h.Transitions.LogTaskInstanceTerminal(ctx, id, fsm.TIDone, db.TransitionContext{
		WallclockSecs: req.WallclockSecs,
		MaxRSSBytes:   req.MaxRSSBytes,
	})
	if err != nil {
		return err
	}
	h.invalidateStatusCache(c, ti.TaskID)
	return c.JSON(http.StatusOK, map[string]interface{}{"status": ti.Status, "server_time": h.serverTime()})
}

type logErrorRequest struct {
	Message       string `json:"message"`
	FailureClass  string `json:"failure_class,omitempty"`
	WallclockSecs int64  `json:"wallclock_secs,omitempty"`
	MaxRSSBytes   int64  `json:"max_rss_bytes,omitempty"`
}

// LogError reports a plain retriable failure.
func (h *Handlers) LogError(c echo.Context) error {
	return h.logErrorAs(c, fsm.TIError, resource.FailureOther)
}

// LogResourceError reports a resource-limit kill; the cascade applies the
// adjustment policy before requeueing.
func (h *Handlers) LogResourceError(c echo.Context) error {
	return h.logErrorAs(c, fsm.TIResourceErr, resource.FailureMemoryExceeded)
}

// LogNoHeartbeat reports a lost instance (used by schedulers that detect
// vanished jobs before the reaper does).
func (h *Handlers) LogNoHeartbeat(c echo.Context) error {
	return h.logErrorAs(c, fsm.TINoHeartbeat, resource.FailureOther)
}

func (h *Handlers) logErrorAs(c echo.Context, target fsm.TaskInstanceStatus, defaultClass resource.FailureClass) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req logErrorRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed request: %v", err)
	}
	class := resource.FailureClass(req.FailureClass)
	if class == "" {
		class = defaultClass
	}
	ctx := c.Request().Context()
	ti, err := h.Transitions.LogTaskInstanceTerminal(ctx, id, target, db.TransitionContext{
		ErrorMessage:  req.Message,
		FailureClass:  class,
		WallclockSecs: req.WallclockSecs,
		MaxRSSBytes:   req.MaxRSSBytes,
	})
	if err != nil {
		return err
	}
	h.invalidateStatusCache(c, ti.TaskID)
	return c.JSON(http.StatusOK, map[string]interface{}{"status": ti.Status, "server_time": h.serverTime()})
}

// TaskInstanceHeartbeat refreshes one instance's liveness horizon.
func (h *Handlers) TaskInstanceHeartbeat(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	ti, err := h.Store.GetTaskInstance(ctx, id)
	if err != nil {
		return err
	}
	if err := h.Transitions.RequireCurrentRun(ctx, ti.WorkflowRunID); err != nil {
		return err
	}
	if err := h.Transitions.TaskInstanceHeartbeat(ctx, id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"server_time": h.serverTime()})
}

// WorkflowRunHeartbeat refreshes the run's lease; superseded runs receive
// WorkflowRunNotCurrent and must stop.
func (h *Handlers) WorkflowRunHeartbeat(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := h.Transitions.WorkflowRunHeartbeat(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"server_time": h.serverTime()})
}

// invalidateStatusCache drops the workflow's cached roll-up after a
// terminal cascade.
func (h *Handlers) invalidateStatusCache(c echo.Context, taskID int64) {
	ctx := c.Request().Context()
	task, err := h.Store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if err := h.Cache.InvalidateWorkflowStatus(ctx, task.WorkflowID); err != nil {
		common.Logger.WithError(err).Warn("status cache invalidation failed")
	}
}
