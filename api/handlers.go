// Package api implements the versioned HTTP surface of the jobmon server:
// workflow binding and run control for clients, the coordinator protocol
// for distributors and workers, and the query endpoints the GUI polls.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ihmeuw-scicomp/jobmon/config"
	"github.com/ihmeuw-scicomp/jobmon/db"
)

// Handlers carries the service dependencies required for API operations.
type Handlers struct {
	Store       *db.Store
	Transitions *db.TransitionService
	Cache       *db.StatusCache
	Config      *config.Config
	Version     string
}

// SetupRoutes registers the /api/v3 surface.
func SetupRoutes(e *echo.Echo, h *Handlers) {
	e.GET("/health", h.Health)

	v3 := e.Group("/api/v3")
	v3.Use(UserMiddleware(h.Config))

	// client surface
	v3.POST("/workflow", h.BindWorkflow)
	v3.POST("/workflow/:id/set_resume", h.SetResume)
	v3.GET("/workflow/:id/is_resumable", h.IsResumable)
	v3.GET("/workflow/:id/status", h.WorkflowStatus)
	v3.GET("/workflow/:id/fatal_tasks", h.FatalTasks)
	v3.GET("/workflow/:id/get_max_concurrently_running", h.GetMaxConcurrentlyRunning)
	v3.PUT("/workflow/:id/update_max_concurrently_running", h.UpdateMaxConcurrentlyRunning)
	v3.PUT("/workflow/:id/update_array_max_concurrently_running", h.UpdateArrayMaxConcurrentlyRunning)
	v3.POST("/workflow/:id/task_status_updates", h.TaskStatusUpdates)
	v3.GET("/workflow/:id/task_template_dag", h.TaskTemplateDag)
	v3.POST("/workflow/:id/workflow_attributes", h.UpsertWorkflowAttributes)

	// task surface
	v3.GET("/task/:id/task_instances", h.TaskInstances)
	v3.PUT("/task/:id/update_task_status", h.UpdateTaskStatus)
	v3.GET("/task_instance/:id/error_logs", h.TaskInstanceErrorLogs)

	// coordinator protocol (distributor + worker)
	v3.POST("/array/:id/queue_task_batch", h.QueueTaskBatch)
	v3.POST("/array/:id/transition_to_launched", h.TransitionToLaunched)
	v3.GET("/distributor/task_instances", h.PendingTaskInstances)
	v3.POST("/task_instance/:id/log_distributor_id", h.LogDistributorID)
	v3.POST("/task_instance/:id/log_running", h.LogRunning)
	v3.POST("/task_instance/:id/log_done", h.LogDone)
	v3.POST("/task_instance/:id/log_error", h.LogError)
	v3.POST("/task_instance/:id/log_resource_error", h.LogResourceError)
	v3.POST("/task_instance/:id/log_no_heartbeat", h.LogNoHeartbeat)
	v3.POST("/task_instance/:id/heartbeat", h.TaskInstanceHeartbeat)
	v3.POST("/workflow_run/:id/heartbeat", h.WorkflowRunHeartbeat)

	// admin
	v3.POST("/queue", h.UpsertQueue)
}

// Health reports service liveness with a detail map, mirroring the
// standard health handler shape.
func (h *Handlers) Health(c echo.Context) error {
	details := map[string]interface{}{}
	if sqlDB, err := h.Store.DB.DB(); err == nil {
		details["database"] = sqlDB.Ping() == nil
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "jobmon",
		"version": h.Version,
		"details": details,
	})
}

// serverTime is the monotonic server clock stamped on polling responses so
// clients can anchor their next incremental fetch.
func (h *Handlers) serverTime() float64 {
	return float64(h.Store.Now().UnixNano()) / float64(time.Second)
}
