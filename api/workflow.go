package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, common.NewValidationError("invalid id %q", c.Param("id"))
	}
	return id, nil
}

// BindWorkflow creates or looks up a workflow graph.
func (h *Handlers) BindWorkflow(c echo.Context) error {
	var req db.BindRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed bind request: %v", err)
	}
	result, err := h.Store.BindWorkflow(c.Request().Context(), req, h.Config.DefaultMaxConcurrentlyRunning)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_id":     result.Workflow.ID,
		"status":          result.Workflow.Status,
		"created":         result.Created,
		"resume_required": result.ResumeRequired,
		"task_ids":        result.TaskIDs,
		"server_time":     h.serverTime(),
	})
}

type setResumeRequest struct {
	Mode          string `json:"mode"`
	JobmonVersion string `json:"jobmon_version"`
}

// SetResume opens a new workflow run, superseding any current one
// according to the requested mode. Requires ownership.
func (h *Handlers) SetResume(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req setResumeRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed resume request: %v", err)
	}
	mode := db.ResumeMode(req.Mode)
	if mode == "" {
		mode = db.ResumeHot
	}
	if mode != db.ResumeHot && mode != db.ResumeCold {
		return common.NewValidationError("unknown resume mode %q", req.Mode)
	}

	ctx := c.Request().Context()
	if err := h.requireOwner(ctx, c, id); err != nil {
		return err
	}
	run, err := h.Transitions.CreateWorkflowRun(ctx, id, Username(c), req.JobmonVersion, mode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"workflow_run_id": run.ID,
		"status":          run.Status,
		"server_time":     h.serverTime(),
	})
}

// IsResumable reports whether a new run can be opened without a fight.
func (h *Handlers) IsResumable(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	resumable, err := h.Store.IsResumable(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"workflow_is_resumable": resumable})
}

// workflowStatusPayload is the cached roll-up the GUI polls.
type workflowStatusPayload struct {
	WorkflowID int64          `json:"workflow_id"`
	Status     fsm.WorkflowStatus `json:"status"`
	TaskCounts map[string]int `json:"task_counts"`
	ServerTime float64        `json:"server_time"`
}

// WorkflowStatus returns the roll-up with per-status task counts, cached in
// redis under a short TTL.
func (h *Handlers) WorkflowStatus(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	var cached workflowStatusPayload
	hit, err := h.Cache.GetWorkflowStatus(ctx, id, &cached)
	if err != nil {
		common.Logger.WithError(err).Warn("status cache read failed")
	}
	if hit {
		cached.ServerTime = h.serverTime()
		return c.JSON(http.StatusOK, cached)
	}

	wf, err := h.Store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	counts, err := h.Store.TaskStatusCounts(ctx, id)
	if err != nil {
		return err
	}
	payload := workflowStatusPayload{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		TaskCounts: map[string]int{},
		ServerTime: h.serverTime(),
	}
	for status, n := range counts {
		payload.TaskCounts[string(status)] = n
	}
	if err := h.Cache.SetWorkflowStatus(ctx, id, payload); err != nil {
		common.Logger.WithError(err).Warn("status cache write failed")
	}
	return c.JSON(http.StatusOK, payload)
}

// FatalTasks lists fatal task ids with their last error messages.
func (h *Handlers) FatalTasks(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	wf, err := h.Store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	fatal, err := h.Store.FatalTasks(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"final_status": wf.Status,
		"fatal_tasks":  fatal,
		"server_time":  h.serverTime(),
	})
}

// GetMaxConcurrentlyRunning returns the workflow-level cap.
func (h *Handlers) GetMaxConcurrentlyRunning(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	wf, err := h.Store.GetWorkflow(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"max_concurrently_running": wf.MaxConcurrentlyRunning})
}

type concurrencyRequest struct {
	MaxConcurrentlyRunning int   `json:"max_concurrently_running"`
	ArrayID                int64 `json:"array_id,omitempty"`
}

// UpdateMaxConcurrentlyRunning adjusts the workflow-level cap. Requires
// ownership. Zero halts progress without failing anything.
func (h *Handlers) UpdateMaxConcurrentlyRunning(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req concurrencyRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed concurrency request: %v", err)
	}
	if req.MaxConcurrentlyRunning < 0 {
		return common.NewValidationError("max_concurrently_running must be >= 0")
	}
	ctx := c.Request().Context()
	if err := h.requireOwner(ctx, c, id); err != nil {
		return err
	}
	if _, err := h.Store.GetWorkflow(ctx, id); err != nil {
		return err
	}
	err = h.Store.DB.WithContext(ctx).Model(&db.Workflow{}).
		Where("id = ?", id).Update("max_concurrently_running", req.MaxConcurrentlyRunning).Error
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"max_concurrently_running": req.MaxConcurrentlyRunning})
}

// UpdateArrayMaxConcurrentlyRunning adjusts one array's cap. Requires
// ownership.
func (h *Handlers) UpdateArrayMaxConcurrentlyRunning(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req concurrencyRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed concurrency request: %v", err)
	}
	if req.MaxConcurrentlyRunning < 0 {
		return common.NewValidationError("max_concurrently_running must be >= 0")
	}
	ctx := c.Request().Context()
	if err := h.requireOwner(ctx, c, id); err != nil {
		return err
	}
	arr, err := h.Store.GetArray(ctx, req.ArrayID)
	if err != nil {
		return err
	}
	if arr.WorkflowID != id {
		return common.NewValidationError("array %d does not belong to workflow %d", req.ArrayID, id)
	}
	err = h.Store.DB.WithContext(ctx).Model(&db.Array{}).
		Where("id = ?", arr.ID).Update("max_concurrently_running", req.MaxConcurrentlyRunning).Error
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"max_concurrently_running": req.MaxConcurrentlyRunning})
}

type statusUpdatesRequest struct {
	LastSync float64 `json:"last_sync"`
}

type taskStatusUpdate struct {
	TaskID     int64          `json:"task_id"`
	Status     fsm.TaskStatus `json:"status"`
	StatusDate time.Time      `json:"status_date"`
	NumAttempts int           `json:"num_attempts"`
}

// TaskStatusUpdates implements the server-relative-clock incremental diff:
// the client sends its last-seen server time and receives the tasks that
// changed since, plus a fresh server time to anchor the next poll.
func (h *Handlers) TaskStatusUpdates(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var req statusUpdatesRequest
	if err := c.Bind(&req); err != nil {
		return common.NewValidationError("malformed status updates request: %v", err)
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetWorkflow(ctx, id); err != nil {
		return err
	}

	// Stamp the new anchor before reading so an update racing the read is
	// seen again on the next poll rather than missed.
	newTime := h.serverTime()
	since := time.Unix(0, int64(req.LastSync*float64(time.Second)))
	changed, err := h.Store.ChangedTasksSince(ctx, id, since)
	if err != nil {
		return err
	}
	updates := make([]taskStatusUpdate, 0, len(changed))
	for _, t := range changed {
		updates = append(updates, taskStatusUpdate{
			TaskID: t.ID, Status: t.Status, StatusDate: t.StatusDate, NumAttempts: t.NumAttempts,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"server_time": newTime,
		"tasks":       updates,
	})
}

// TaskTemplateDag returns the template-granularity edge roll-up.
func (h *Handlers) TaskTemplateDag(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	edges, err := h.Store.TaskTemplateDag(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"edges": edges})
}

// UpsertWorkflowAttributes inserts or replaces attribute rows.
func (h *Handlers) UpsertWorkflowAttributes(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var attrs map[string]string
	if err := c.Bind(&attrs); err != nil {
		return common.NewValidationError("malformed attributes: %v", err)
	}
	ctx := c.Request().Context()
	if _, err := h.Store.GetWorkflow(ctx, id); err != nil {
		return err
	}
	if err := h.Store.UpsertWorkflowAttributes(ctx, id, attrs); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"updated": len(attrs)})
}

// UpsertQueue registers or updates a scheduler queue definition.
func (h *Handlers) UpsertQueue(c echo.Context) error {
	var q db.SchedulerQueue
	if err := c.Bind(&q); err != nil {
		return common.NewValidationError("malformed queue: %v", err)
	}
	if q.Name == "" {
		return common.NewValidationError("queue name is required")
	}
	if err := h.Store.UpsertQueue(c.Request().Context(), q); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, q)
}
