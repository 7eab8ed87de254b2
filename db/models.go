package db

import (
	"encoding/json"
	"time"

	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// Tool namespaces task templates. Immutable after creation.
type Tool struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"uniqueIndex;size:255" json:"name"`
	CreatedAt time.Time
}

// ToolVersion is one released version of a tool.
type ToolVersion struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	ToolID    int64  `gorm:"uniqueIndex:ux_tool_version" json:"tool_id"`
	Version   string `gorm:"uniqueIndex:ux_tool_version;size:64" json:"version"`
	CreatedAt time.Time
}

// TaskTemplate is a named parameterized command within a tool version.
type TaskTemplate struct {
	ID            int64  `gorm:"primaryKey" json:"id"`
	ToolVersionID int64  `gorm:"uniqueIndex:ux_task_template_identity" json:"tool_version_id"`
	Name          string `gorm:"uniqueIndex:ux_task_template_identity;size:255" json:"name"`
	CreatedAt     time.Time
}

// TaskTemplateVersion is hash-deduplicated over (template id, command
// template, canonical arg-name set).
type TaskTemplateVersion struct {
	ID              int64  `gorm:"primaryKey" json:"id"`
	TaskTemplateID  int64  `gorm:"uniqueIndex:ux_ttv_hash" json:"task_template_id"`
	CommandTemplate string `gorm:"type:text" json:"command_template"`
	ArgMapping      string `gorm:"type:text" json:"arg_mapping"` // canonical comma-joined arg names
	Hash            string `gorm:"uniqueIndex:ux_ttv_hash;size:32" json:"hash"`
	CreatedAt       time.Time
}

// Node is one point in the DAG, identified by (task template version,
// canonical node args).
type Node struct {
	ID                    int64  `gorm:"primaryKey" json:"id"`
	TaskTemplateVersionID int64  `gorm:"uniqueIndex:ux_node_hash" json:"task_template_version_id"`
	NodeArgs              string `gorm:"type:text" json:"node_args"` // canonical JSON object
	Hash                  string `gorm:"uniqueIndex:ux_node_hash;size:32" json:"hash"`
	CreatedAt             time.Time
}

// Dag is hash-deduplicated over its edge set.
type Dag struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	Hash      string `gorm:"uniqueIndex;size:32" json:"hash"`
	CreatedAt time.Time
}

// Edge stores a node's upstream and downstream neighbor sets within a dag.
// The id lists are structured JSON arrays of node ids, never quoted strings.
type Edge struct {
	DagID             int64  `gorm:"primaryKey;autoIncrement:false" json:"dag_id"`
	NodeID            int64  `gorm:"primaryKey;autoIncrement:false" json:"node_id"`
	UpstreamNodeIDs   string `gorm:"type:text" json:"upstream_node_ids"`
	DownstreamNodeIDs string `gorm:"type:text" json:"downstream_node_ids"`
}

// EdgeSpec is the unmarshalled form of an Edge used at bind time.
type EdgeSpec struct {
	NodeID            int64   `json:"node_id"`
	UpstreamNodeIDs   []int64 `json:"upstream_node_ids"`
	DownstreamNodeIDs []int64 `json:"downstream_node_ids"`
}

// Spec decodes the stored JSON arrays.
func (e Edge) Spec() (EdgeSpec, error) {
	spec := EdgeSpec{NodeID: e.NodeID}
	if e.UpstreamNodeIDs != "" {
		if err := json.Unmarshal([]byte(e.UpstreamNodeIDs), &spec.UpstreamNodeIDs); err != nil {
			return spec, err
		}
	}
	if e.DownstreamNodeIDs != "" {
		if err := json.Unmarshal([]byte(e.DownstreamNodeIDs), &spec.DownstreamNodeIDs); err != nil {
			return spec, err
		}
	}
	return spec, nil
}

// Row encodes an EdgeSpec for storage.
func (s EdgeSpec) Row(dagID int64) Edge {
	up, _ := json.Marshal(emptyIfNil(s.UpstreamNodeIDs))
	down, _ := json.Marshal(emptyIfNil(s.DownstreamNodeIDs))
	return Edge{DagID: dagID, NodeID: s.NodeID, UpstreamNodeIDs: string(up), DownstreamNodeIDs: string(down)}
}

func emptyIfNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// Workflow is identified by the stable hash of (tool version, dag, workflow
// args). Re-binding the same hash is the sole mechanism for resume.
type Workflow struct {
	ID                     int64              `gorm:"primaryKey" json:"id"`
	ToolVersionID          int64              `json:"tool_version_id"`
	DagID                  int64              `json:"dag_id"`
	Name                   string             `gorm:"size:255" json:"name"`
	WorkflowArgs           string             `gorm:"type:text" json:"workflow_args"`
	Hash                   string             `gorm:"uniqueIndex;size:32" json:"hash"`
	MaxConcurrentlyRunning int                `json:"max_concurrently_running"`
	Status                 fsm.WorkflowStatus `gorm:"size:1;index" json:"status"`
	StatusDate             time.Time          `json:"status_date"`
	CreatedAt              time.Time
}

// WorkflowAttribute is an upsertable, non-identifying key/value row.
type WorkflowAttribute struct {
	WorkflowID int64  `gorm:"primaryKey;autoIncrement:false" json:"workflow_id"`
	Name       string `gorm:"primaryKey;size:255" json:"name"`
	Value      string `gorm:"type:text" json:"value"`
}

// WorkflowRun is one execution attempt of a workflow. The current run holds
// the heartbeat lease for the whole workflow.
type WorkflowRun struct {
	ID            int64                 `gorm:"primaryKey" json:"id"`
	WorkflowID    int64                 `gorm:"index" json:"workflow_id"`
	User          string                `gorm:"size:255" json:"user"`
	JobmonVersion string                `gorm:"size:64" json:"jobmon_version"`
	Status        fsm.WorkflowRunStatus `gorm:"size:1;index" json:"status"`
	StatusDate    time.Time             `json:"status_date"`
	HeartbeatDate time.Time             `json:"heartbeat_date"`
	NextReportBy  time.Time             `gorm:"index" json:"next_report_by"`
	CreatedAt     time.Time
}

// Array groups sibling tasks of one task template version within one
// workflow. The concurrency cap on the array also serves as the
// template-scope cap: arrays are unique per (workflow, template version),
// so the two scopes coincide.
type Array struct {
	ID                     int64  `gorm:"primaryKey" json:"id"`
	WorkflowID             int64  `gorm:"uniqueIndex:ux_array_identity" json:"workflow_id"`
	TaskTemplateVersionID  int64  `gorm:"uniqueIndex:ux_array_identity" json:"task_template_version_id"`
	Name                   string `gorm:"size:255" json:"name"`
	MaxConcurrentlyRunning int    `json:"max_concurrently_running"`
	CreatedAt              time.Time
}

// ArrayBatch records one idempotent submission batch within an array.
// Repeated queue_task_batch calls with the same key return the same batch.
type ArrayBatch struct {
	ID                 int64  `gorm:"primaryKey" json:"id"`
	ArrayID            int64  `gorm:"uniqueIndex:ux_array_batch_key" json:"array_id"`
	BatchKey           string `gorm:"uniqueIndex:ux_array_batch_key;size:255" json:"batch_key"`
	BatchNumber        int    `json:"batch_number"`
	DistributorBatchID string `gorm:"size:255" json:"distributor_batch_id"`
	CreatedAt          time.Time
}

// Task is one node instance within a workflow.
type Task struct {
	ID             int64          `gorm:"primaryKey" json:"id"`
	WorkflowID     int64          `gorm:"index:ix_task_workflow_status;uniqueIndex:ux_task_identity" json:"workflow_id"`
	NodeID         int64          `gorm:"uniqueIndex:ux_task_identity" json:"node_id"`
	ArrayID        int64          `gorm:"index" json:"array_id"`
	Name           string         `gorm:"size:255" json:"name"`
	Command        string         `gorm:"type:text" json:"command"`
	MaxAttempts    int            `json:"max_attempts"`
	NumAttempts    int            `json:"num_attempts"`
	Status         fsm.TaskStatus `gorm:"size:1;index:ix_task_workflow_status" json:"status"`
	StatusDate     time.Time      `json:"status_date"`
	Resources      string         `gorm:"type:text" json:"resources"`       // ComputeResources JSON
	ScalingRule    string         `gorm:"type:text" json:"scaling_rule"`    // resource.ScalingRule JSON
	FallbackQueues string         `gorm:"type:text" json:"fallback_queues"` // JSON array of queue names
	FatalReason    string         `gorm:"size:64" json:"fatal_reason"`
	CreatedAt      time.Time
}

// CurrentResources decodes the task's active resource request.
func (t *Task) CurrentResources() (resource.ComputeResources, error) {
	var r resource.ComputeResources
	if t.Resources == "" {
		return r, nil
	}
	err := json.Unmarshal([]byte(t.Resources), &r)
	return r, err
}

// Scaling decodes the task's resource-scaling rule.
func (t *Task) Scaling() (resource.ScalingRule, error) {
	var rule resource.ScalingRule
	if t.ScalingRule == "" {
		return rule, nil
	}
	err := json.Unmarshal([]byte(t.ScalingRule), &rule)
	return rule, err
}

// Fallbacks decodes the ordered fallback-queue list.
func (t *Task) Fallbacks() ([]string, error) {
	if t.FallbackQueues == "" {
		return nil, nil
	}
	var queues []string
	err := json.Unmarshal([]byte(t.FallbackQueues), &queues)
	return queues, err
}

// TaskInstance is one execution attempt of a task.
type TaskInstance struct {
	ID             int64                  `gorm:"primaryKey" json:"id"`
	TaskID         int64                  `gorm:"index" json:"task_id"`
	WorkflowRunID  int64                  `gorm:"index" json:"workflow_run_id"`
	ArrayID        int64                  `gorm:"index" json:"array_id"`
	ArrayBatchID   int64                  `gorm:"index" json:"array_batch_id"`
	ArrayStepID    int                    `json:"array_step_id"`
	AttemptNumber  int                    `json:"attempt_number"`
	Status         fsm.TaskInstanceStatus `gorm:"size:1;index" json:"status"`
	StatusDate     time.Time              `json:"status_date"`
	DistributorID  string                 `gorm:"size:255;index" json:"distributor_id"`
	NodeName       string                 `gorm:"size:255" json:"node_name"`
	ProcessID      int                    `json:"process_id"`
	StdoutPath     string                 `gorm:"type:text" json:"stdout_path"`
	StderrPath     string                 `gorm:"type:text" json:"stderr_path"`
	WallclockSecs  int64                  `json:"wallclock_secs"`
	MaxRSSBytes    int64                  `json:"max_rss_bytes"`
	Resources      string                 `gorm:"type:text" json:"resources"` // request for this attempt
	NextReportBy   time.Time              `gorm:"index" json:"next_report_by"`
	CreatedAt      time.Time
}

// RequestedResources decodes the resources this attempt was submitted with.
func (ti *TaskInstance) RequestedResources() (resource.ComputeResources, error) {
	var r resource.ComputeResources
	if ti.Resources == "" {
		return r, nil
	}
	err := json.Unmarshal([]byte(ti.Resources), &r)
	return r, err
}

// TaskInstanceErrorLog is one captured error message for an attempt.
type TaskInstanceErrorLog struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	TaskInstanceID int64     `gorm:"index" json:"task_instance_id"`
	ErrorTime      time.Time `json:"error_time"`
	Description    string    `gorm:"type:text" json:"description"`
}

// SchedulerQueue is one admissible queue with its resource limits.
type SchedulerQueue struct {
	Name              string `gorm:"primaryKey;size:255" json:"name"`
	MaxMemoryBytes    int64  `json:"max_memory_bytes"`
	MaxRuntimeSeconds int64  `json:"max_runtime_seconds"`
	MaxCores          int    `json:"max_cores"`
}

// Limits converts the row into the policy's QueueLimits.
func (q SchedulerQueue) Limits() resource.QueueLimits {
	return resource.QueueLimits{
		Name:              q.Name,
		MaxMemoryBytes:    q.MaxMemoryBytes,
		MaxRuntimeSeconds: q.MaxRuntimeSeconds,
		MaxCores:          q.MaxCores,
	}
}

// ReaperLease is the singleton lease row that elects one reaper per
// deployment.
type ReaperLease struct {
	ID        int       `gorm:"primaryKey;autoIncrement:false" json:"id"`
	Owner     string    `gorm:"size:64" json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AllModels lists every table in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&Tool{}, &ToolVersion{}, &TaskTemplate{}, &TaskTemplateVersion{},
		&Node{}, &Dag{}, &Edge{}, &Workflow{}, &WorkflowAttribute{},
		&WorkflowRun{}, &Array{}, &ArrayBatch{}, &Task{}, &TaskInstance{},
		&TaskInstanceErrorLog{}, &SchedulerQueue{}, &ReaperLease{},
	}
}
