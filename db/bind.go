package db

import (
	"context"
	"fmt"
	"sort"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// BindTask is one task definition in a bind request. Upstreams reference
// sibling tasks by their index in the request's task list.
type BindTask struct {
	TaskTemplate    string                     `json:"task_template"`
	CommandTemplate string                     `json:"command_template"`
	ArgNames        []string                   `json:"arg_names"`
	NodeArgs        map[string]string          `json:"node_args"`
	Name            string                     `json:"name"`
	Command         string                     `json:"command"`
	MaxAttempts     int                        `json:"max_attempts"`
	Upstreams       []int                      `json:"upstreams"`
	Resources       resource.ComputeResources  `json:"resources"`
	Scaling         *resource.ScalingRule      `json:"scaling,omitempty"`
	FallbackQueues  []string                   `json:"fallback_queues,omitempty"`
	ArrayMaxConcurrentlyRunning int            `json:"array_max_concurrently_running,omitempty"`
}

// BindRequest creates or looks up a whole workflow graph in one call.
type BindRequest struct {
	Tool                   string            `json:"tool"`
	ToolVersion            string            `json:"tool_version"`
	WorkflowName           string            `json:"workflow_name"`
	WorkflowArgs           string            `json:"workflow_args"`
	MaxConcurrentlyRunning int               `json:"max_concurrently_running"`
	Attributes             map[string]string `json:"attributes,omitempty"`
	Tasks                  []BindTask        `json:"tasks"`
}

// BindResult reports the bound workflow and whether a resume is required to
// run it.
type BindResult struct {
	Workflow       *Workflow
	Created        bool
	ResumeRequired bool
	TaskIDs        []int64
}

// BindWorkflow materializes the hash-keyed definition graph (tool, template
// versions, nodes, dag) and the workflow's tasks and arrays. Binding is
// idempotent: repeating the same request yields the same workflow id with
// no new rows.
func (s *Store) BindWorkflow(ctx context.Context, req BindRequest, defaultMaxConcurrency int) (*BindResult, error) {
	if req.Tool == "" {
		return nil, common.NewValidationError("tool is required")
	}
	if len(req.Tasks) == 0 && req.WorkflowArgs == "" {
		return nil, common.NewValidationError("workflow_args is required for an empty workflow")
	}
	for i, t := range req.Tasks {
		if t.TaskTemplate == "" || t.Command == "" {
			return nil, common.NewValidationError("task %d is missing a template or command", i)
		}
		for _, up := range t.Upstreams {
			if up == i {
				return nil, common.NewValidationError("task %d depends on itself", i)
			}
			if up < 0 || up >= len(req.Tasks) {
				return nil, common.NewValidationError("task %d references unknown upstream %d", i, up)
			}
		}
	}

	tool, _, err := s.GetOrCreateTool(ctx, req.Tool)
	if err != nil {
		return nil, err
	}
	versionLabel := req.ToolVersion
	if versionLabel == "" {
		versionLabel = "unknown"
	}
	toolVersion, _, err := s.GetOrCreateToolVersion(ctx, tool.ID, versionLabel)
	if err != nil {
		return nil, err
	}

	// Resolve each task to its node, deduplicating template versions along
	// the way.
	nodeIDs := make([]int64, len(req.Tasks))
	ttvIDs := make([]int64, len(req.Tasks))
	for i, t := range req.Tasks {
		tt, _, err := s.GetOrCreateTaskTemplate(ctx, toolVersion.ID, t.TaskTemplate)
		if err != nil {
			return nil, err
		}
		ttv, _, err := s.GetOrCreateTaskTemplateVersion(ctx, tt.ID, t.CommandTemplate, t.ArgNames)
		if err != nil {
			return nil, err
		}
		node, _, err := s.GetOrCreateNode(ctx, ttv.ID, t.NodeArgs)
		if err != nil {
			return nil, err
		}
		nodeIDs[i] = node.ID
		ttvIDs[i] = ttv.ID
	}

	edges, err := buildEdgeSpecs(req.Tasks, nodeIDs)
	if err != nil {
		return nil, err
	}
	dag, _, err := s.GetOrCreateDag(ctx, edges)
	if err != nil {
		return nil, err
	}

	maxConcurrency := req.MaxConcurrentlyRunning
	if maxConcurrency == 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	wf, created, err := s.GetOrCreateWorkflow(ctx, toolVersion.ID, dag.ID, req.WorkflowName, req.WorkflowArgs, maxConcurrency)
	if err != nil {
		return nil, err
	}

	if err := s.UpsertWorkflowAttributes(ctx, wf.ID, req.Attributes); err != nil {
		return nil, err
	}

	// Arrays group tasks of one template version; the array cap is taken
	// from the first task of that version, even when its cap is zero.
	arrayIDs := make(map[int64]int64)
	for i, t := range req.Tasks {
		if _, ok := arrayIDs[ttvIDs[i]]; ok {
			continue
		}
		arr, _, err := s.GetOrCreateArray(ctx, wf.ID, ttvIDs[i], t.TaskTemplate, t.ArrayMaxConcurrentlyRunning)
		if err != nil {
			return nil, err
		}
		arrayIDs[ttvIDs[i]] = arr.ID
	}

	tasks := make([]Task, len(req.Tasks))
	for i, t := range req.Tasks {
		scaling := ""
		if t.Scaling != nil {
			scaling = MarshalJSONString(t.Scaling)
		}
		fallbacks := ""
		if len(t.FallbackQueues) > 0 {
			fallbacks = MarshalJSONString(t.FallbackQueues)
		}
		tasks[i] = Task{
			WorkflowID:     wf.ID,
			NodeID:         nodeIDs[i],
			ArrayID:        arrayIDs[ttvIDs[i]],
			Name:           t.Name,
			Command:        t.Command,
			MaxAttempts:    t.MaxAttempts,
			Resources:      MarshalJSONString(t.Resources),
			ScalingRule:    scaling,
			FallbackQueues: fallbacks,
		}
	}
	bound, err := s.BulkInsertTasks(ctx, tasks)
	if err != nil {
		return nil, err
	}
	taskIDs := make([]int64, 0, len(bound))
	for _, t := range bound {
		taskIDs = append(taskIDs, t.ID)
	}

	resumeRequired := false
	if !created {
		var runCount int64
		if err := s.DB.WithContext(ctx).Model(&WorkflowRun{}).Where("workflow_id = ?", wf.ID).Count(&runCount).Error; err != nil {
			return nil, fmt.Errorf("failed to count workflow runs: %w", err)
		}
		resumeRequired = runCount > 0
	}

	return &BindResult{Workflow: wf, Created: created, ResumeRequired: resumeRequired, TaskIDs: taskIDs}, nil
}

// buildEdgeSpecs converts index-based upstream references into node-id edge
// rows with both directions populated.
func buildEdgeSpecs(tasks []BindTask, nodeIDs []int64) ([]EdgeSpec, error) {
	upstream := make(map[int64]map[int64]struct{})
	downstream := make(map[int64]map[int64]struct{})
	for i := range tasks {
		ensure(upstream, nodeIDs[i])
		ensure(downstream, nodeIDs[i])
	}
	for i, t := range tasks {
		for _, up := range t.Upstreams {
			if nodeIDs[up] == nodeIDs[i] {
				return nil, common.NewValidationError("node %d depends on itself", nodeIDs[i])
			}
			upstream[nodeIDs[i]][nodeIDs[up]] = struct{}{}
			downstream[nodeIDs[up]][nodeIDs[i]] = struct{}{}
		}
	}

	specs := make([]EdgeSpec, 0, len(upstream))
	seen := map[int64]struct{}{}
	for _, nodeID := range nodeIDs {
		if _, ok := seen[nodeID]; ok {
			continue
		}
		seen[nodeID] = struct{}{}
		specs = append(specs, EdgeSpec{
			NodeID:            nodeID,
			UpstreamNodeIDs:   keys(upstream[nodeID]),
			DownstreamNodeIDs: keys(downstream[nodeID]),
		})
	}
	return specs, nil
}

func ensure(m map[int64]map[int64]struct{}, k int64) {
	if m[k] == nil {
		m[k] = map[int64]struct{}{}
	}
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsResumable reports whether a new run may be opened without superseding a
// live controller: the workflow exists, is not done, and has no current run.
func (s *Store) IsResumable(ctx context.Context, workflowID int64) (bool, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return false, err
	}
	if wf.Status == fsm.WFDone {
		return false, nil
	}
	current, err := s.GetCurrentWorkflowRun(ctx, workflowID)
	if err != nil {
		return false, err
	}
	return current == nil, nil
}
