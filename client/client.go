// Package client is a thin Go client for the jobmon HTTP surface, used by
// the CLI subcommands and the reference distributor.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one jobmon server.
type Client struct {
	BaseURL  string
	Username string
	HTTP     *http.Client
}

// New builds a client with a sane default timeout.
func New(baseURL, username string) *Client {
	return &Client{
		BaseURL:  baseURL,
		Username: username,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
	}
}

// APIError is a non-2xx response decoded from the server's error body.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotCurrent reports the workflow-run-not-current rejection that obliges
// a distributor or controller to stop.
func (e *APIError) IsNotCurrent() bool {
	return e.Code == "workflow_run_not_current"
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Username != "" {
		req.Header.Set("X-Jobmon-User", c.Username)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(raw, &errBody) == nil {
			apiErr.Code = errBody.Code
			apiErr.Message = errBody.Message
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Get performs a GET against an arbitrary API path.
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// BindResponse is the result of binding a workflow.
type BindResponse struct {
	WorkflowID     int64   `json:"workflow_id"`
	Status         string  `json:"status"`
	Created        bool    `json:"created"`
	ResumeRequired bool    `json:"resume_required"`
	TaskIDs        []int64 `json:"task_ids"`
	ServerTime     float64 `json:"server_time"`
}

// BindWorkflow binds or looks up a workflow graph. The request mirrors the
// server's bind contract; callers typically build it from a YAML workflow
// definition.
func (c *Client) BindWorkflow(ctx context.Context, req interface{}) (*BindResponse, error) {
	var out BindResponse
	if err := c.do(ctx, http.MethodPost, "/api/v3/workflow", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetResumeResponse is the result of opening a new run.
type SetResumeResponse struct {
	WorkflowRunID int64  `json:"workflow_run_id"`
	Status        string `json:"status"`
}

// SetResume opens a new workflow run in the given mode ("hot" or "cold").
func (c *Client) SetResume(ctx context.Context, workflowID int64, mode, jobmonVersion string) (*SetResumeResponse, error) {
	var out SetResumeResponse
	path := fmt.Sprintf("/api/v3/workflow/%d/set_resume", workflowID)
	err := c.do(ctx, http.MethodPost, path, map[string]string{
		"mode": mode, "jobmon_version": jobmonVersion,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// IsResumable checks whether a new run can be opened.
func (c *Client) IsResumable(ctx context.Context, workflowID int64) (bool, error) {
	var out struct {
		Resumable bool `json:"workflow_is_resumable"`
	}
	path := fmt.Sprintf("/api/v3/workflow/%d/is_resumable", workflowID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return false, err
	}
	return out.Resumable, nil
}

// WorkflowStatus is the roll-up payload.
type WorkflowStatus struct {
	WorkflowID int64          `json:"workflow_id"`
	Status     string         `json:"status"`
	TaskCounts map[string]int `json:"task_counts"`
	ServerTime float64        `json:"server_time"`
}

// GetWorkflowStatus fetches the roll-up with per-status counts.
func (c *Client) GetWorkflowStatus(ctx context.Context, workflowID int64) (*WorkflowStatus, error) {
	var out WorkflowStatus
	path := fmt.Sprintf("/api/v3/workflow/%d/status", workflowID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TaskStatusUpdates fetches the incremental diff since lastSync.
func (c *Client) TaskStatusUpdates(ctx context.Context, workflowID int64, lastSync float64) (map[string]interface{}, error) {
	var out map[string]interface{}
	path := fmt.Sprintf("/api/v3/workflow/%d/task_status_updates", workflowID)
	err := c.do(ctx, http.MethodPost, path, map[string]float64{"last_sync": lastSync}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTaskStatus applies the admin override.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID int64, status string) error {
	path := fmt.Sprintf("/api/v3/task/%d/update_task_status", taskID)
	return c.do(ctx, http.MethodPut, path, map[string]string{"status": status}, nil)
}

// UpdateMaxConcurrentlyRunning adjusts the workflow cap.
func (c *Client) UpdateMaxConcurrentlyRunning(ctx context.Context, workflowID int64, limit int) error {
	path := fmt.Sprintf("/api/v3/workflow/%d/update_max_concurrently_running", workflowID)
	return c.do(ctx, http.MethodPut, path, map[string]int{"max_concurrently_running": limit}, nil)
}

// PendingTaskInstance is one unit of distributor work.
type PendingTaskInstance struct {
	TaskInstanceID int64  `json:"task_instance_id"`
	TaskID         int64  `json:"task_id"`
	ArrayID        int64  `json:"array_id"`
	ArrayBatchID   int64  `json:"array_batch_id"`
	WorkflowRunID  int64  `json:"workflow_run_id"`
	Command        string `json:"command"`
	Resources      string `json:"resources"`
}

// PendingTaskInstances polls for instantiated instances awaiting launch.
func (c *Client) PendingTaskInstances(ctx context.Context) ([]PendingTaskInstance, error) {
	var out struct {
		TaskInstances []PendingTaskInstance `json:"task_instances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/distributor/task_instances", nil, &out); err != nil {
		return nil, err
	}
	return out.TaskInstances, nil
}

// TransitionToLaunched reports a scheduler-accepted batch.
func (c *Client) TransitionToLaunched(ctx context.Context, arrayID int64, tiIDs []int64, distributorBatchID string, workflowRunID int64) error {
	path := fmt.Sprintf("/api/v3/array/%d/transition_to_launched", arrayID)
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"task_instance_ids":    tiIDs,
		"distributor_batch_id": distributorBatchID,
		"workflow_run_id":      workflowRunID,
	}, nil)
}

// LogDistributorID records the scheduler id for one instance.
func (c *Client) LogDistributorID(ctx context.Context, tiID int64, distributorID string) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/log_distributor_id", tiID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"distributor_id": distributorID}, nil)
}

// LogRunning reports command start.
func (c *Client) LogRunning(ctx context.Context, tiID int64, nodeName string, pid int) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/log_running", tiID)
	return c.do(ctx, http.MethodPost, path, map[string]interface{}{
		"node_name": nodeName, "process_id": pid,
	}, nil)
}

// LogDone reports success.
func (c *Client) LogDone(ctx context.Context, tiID int64, wallclockSecs, maxRSSBytes int64) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/log_done", tiID)
	return c.do(ctx, http.MethodPost, path, map[string]int64{
		"wallclock_secs": wallclockSecs, "max_rss_bytes": maxRSSBytes,
	}, nil)
}

// LogError reports a retriable failure.
func (c *Client) LogError(ctx context.Context, tiID int64, message string) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/log_error", tiID)
	return c.do(ctx, http.MethodPost, path, map[string]string{"message": message}, nil)
}

// LogResourceError reports a resource-limit kill.
func (c *Client) LogResourceError(ctx context.Context, tiID int64, message, failureClass string) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/log_resource_error", tiID)
	return c.do(ctx, http.MethodPost, path, map[string]string{
		"message": message, "failure_class": failureClass,
	}, nil)
}

// TaskInstanceHeartbeat refreshes one instance's liveness horizon.
func (c *Client) TaskInstanceHeartbeat(ctx context.Context, tiID int64) error {
	path := fmt.Sprintf("/api/v3/task_instance/%d/heartbeat", tiID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// WorkflowRunHeartbeat refreshes the run's lease.
func (c *Client) WorkflowRunHeartbeat(ctx context.Context, wfrID int64) error {
	path := fmt.Sprintf("/api/v3/workflow_run/%d/heartbeat", wfrID)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}
