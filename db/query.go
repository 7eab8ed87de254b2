package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// TaskStatusCounts groups the workflow's tasks by status.
func (s *Store) TaskStatusCounts(ctx context.Context, workflowID int64) (map[fsm.TaskStatus]int, error) {
	return taskStatusCountsTx(s.DB.WithContext(ctx), workflowID)
}

// TasksByWorkflow lists the workflow's tasks ordered by id. The ordering is
// stable across polls so the controller's eligible set is reproducible.
func (s *Store) TasksByWorkflow(ctx context.Context, workflowID int64) ([]Task, error) {
	var tasks []Task
	err := s.DB.WithContext(ctx).Where("workflow_id = ?", workflowID).Order("id").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// TasksByStatus lists the workflow's tasks in the given statuses, ordered
// by id.
func (s *Store) TasksByStatus(ctx context.Context, workflowID int64, statuses ...fsm.TaskStatus) ([]Task, error) {
	var tasks []Task
	err := s.DB.WithContext(ctx).
		Where("workflow_id = ? AND status IN ?", workflowID, statusStrings(statuses)).
		Order("id").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by status: %w", err)
	}
	return tasks, nil
}

// ActiveTaskCount counts tasks holding a live attempt, optionally scoped to
// one array.
func (s *Store) ActiveTaskCount(ctx context.Context, workflowID int64, arrayID int64) (int, error) {
	q := s.DB.WithContext(ctx).Model(&Task{}).
		Where("workflow_id = ? AND status IN ?", workflowID, statusStrings([]fsm.TaskStatus{
			fsm.TaskInstantiating, fsm.TaskLaunched, fsm.TaskRunning,
		}))
	if arrayID != 0 {
		q = q.Where("array_id = ?", arrayID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count active tasks: %w", err)
	}
	return int(n), nil
}

// TaskInstancesByTask lists a task's attempts oldest first.
func (s *Store) TaskInstancesByTask(ctx context.Context, taskID int64) ([]TaskInstance, error) {
	var instances []TaskInstance
	err := s.DB.WithContext(ctx).Where("task_id = ?", taskID).Order("id").Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list task instances: %w", err)
	}
	return instances, nil
}

// ChangedTasksSince implements the incremental status diff: tasks whose
// status_date is at or after the client's last-seen server time. Callers
// pair the result with a fresh server time so polling never misses an
// update across a retry.
func (s *Store) ChangedTasksSince(ctx context.Context, workflowID int64, since time.Time) ([]Task, error) {
	var tasks []Task
	err := s.DB.WithContext(ctx).
		Where("workflow_id = ? AND status_date >= ?", workflowID, since).
		Order("id").Find(&tasks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list changed tasks: %w", err)
	}
	return tasks, nil
}

// FatalTask pairs a fatal task with its most recent error message.
type FatalTask struct {
	TaskID      int64  `json:"task_id"`
	Name        string `json:"name"`
	FatalReason string `json:"fatal_reason"`
	LastError   string `json:"last_error"`
}

// FatalTasks returns the workflow's fatal tasks and their last errors.
func (s *Store) FatalTasks(ctx context.Context, workflowID int64) ([]FatalTask, error) {
	tasks, err := s.TasksByStatus(ctx, workflowID, fsm.TaskErrorFatal)
	if err != nil {
		return nil, err
	}
	out := make([]FatalTask, 0, len(tasks))
	for _, t := range tasks {
		ft := FatalTask{TaskID: t.ID, Name: t.Name, FatalReason: t.FatalReason}
		var log TaskInstanceErrorLog
		err := s.DB.WithContext(ctx).
			Where("task_instance_id IN (SELECT id FROM task_instances WHERE task_id = ?)", t.ID).
			Order("id DESC").First(&log).Error
		if err == nil {
			ft.LastError = log.Description
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to read last error: %w", err)
		}
		out = append(out, ft)
	}
	return out, nil
}

// TemplateEdge is one edge of the task-template-granularity dag roll-up
// consumed by the GUI.
type TemplateEdge struct {
	UpstreamTemplateID   int64 `json:"upstream_task_template_id"`
	DownstreamTemplateID int64 `json:"downstream_task_template_id"`
}

// TaskTemplateDag rolls node edges up to task-template granularity.
func (s *Store) TaskTemplateDag(ctx context.Context, workflowID int64) ([]TemplateEdge, error) {
	wf, err := s.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	var edges []Edge
	if err := s.DB.WithContext(ctx).Where("dag_id = ?", wf.DagID).Find(&edges).Error; err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}

	// node id -> template id, resolved through the node's template version
	templateOf := map[int64]int64{}
	resolve := func(nodeID int64) (int64, error) {
		if t, ok := templateOf[nodeID]; ok {
			return t, nil
		}
		var node Node
		if err := s.DB.WithContext(ctx).First(&node, nodeID).Error; err != nil {
			return 0, fmt.Errorf("failed to read node: %w", err)
		}
		var ttv TaskTemplateVersion
		if err := s.DB.WithContext(ctx).First(&ttv, node.TaskTemplateVersionID).Error; err != nil {
			return 0, fmt.Errorf("failed to read template version: %w", err)
		}
		templateOf[nodeID] = ttv.TaskTemplateID
		return ttv.TaskTemplateID, nil
	}

	seen := map[TemplateEdge]struct{}{}
	var out []TemplateEdge
	for _, e := range edges {
		spec, err := e.Spec()
		if err != nil {
			return nil, fmt.Errorf("failed to decode edge: %w", err)
		}
		downTemplate, err := resolve(spec.NodeID)
		if err != nil {
			return nil, err
		}
		for _, up := range spec.UpstreamNodeIDs {
			upTemplate, err := resolve(up)
			if err != nil {
				return nil, err
			}
			if upTemplate == downTemplate {
				continue
			}
			te := TemplateEdge{UpstreamTemplateID: upTemplate, DownstreamTemplateID: downTemplate}
			if _, ok := seen[te]; ok {
				continue
			}
			seen[te] = struct{}{}
			out = append(out, te)
		}
	}
	return out, nil
}

// ReadyFringe finds registering tasks whose upstream sets are already
// wholly done and queues them. Used when a controller attaches to a
// workflow (first run or resume) before edge-triggering takes over.
func (ts *TransitionService) ReadyFringe(ctx context.Context, workflowID int64) (int, error) {
	queued := 0
	err := ts.withRetry(func() error {
		queued = 0
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wf Workflow
			if err := firstLocked(tx, &wf, workflowID, "workflow"); err != nil {
				return err
			}
			var candidates []Task
			err := tx.Where("workflow_id = ? AND status = ?", workflowID, fsm.TaskRegistering).
				Order("id").Find(&candidates).Error
			if err != nil {
				return fmt.Errorf("failed to list registering tasks: %w", err)
			}
			for i := range candidates {
				ready, err := ts.upstreamsDoneTx(tx, wf.DagID, &candidates[i])
				if err != nil {
					return err
				}
				if !ready {
					continue
				}
				if err := ts.transitionTaskTx(tx, &candidates[i], fsm.TaskQueued); err != nil {
					return err
				}
				queued++
			}
			return nil
		})
	})
	return queued, err
}

// StaleWorkflowRuns returns non-terminal, current runs whose heartbeat
// horizon has elapsed.
func (s *Store) StaleWorkflowRuns(ctx context.Context, now time.Time) ([]WorkflowRun, error) {
	var runs []WorkflowRun
	err := s.DB.WithContext(ctx).
		Where("next_report_by < ? AND status IN ?", now, statusStrings([]fsm.WorkflowRunStatus{
			fsm.WFRRegistered, fsm.WFRLinking, fsm.WFRRunning,
		})).
		Order("id").Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale runs: %w", err)
	}
	return runs, nil
}

// StaleTaskInstances returns live instances whose heartbeat horizon has
// elapsed and whose run is no longer current.
func (s *Store) StaleTaskInstances(ctx context.Context, now time.Time) ([]TaskInstance, error) {
	var instances []TaskInstance
	err := s.DB.WithContext(ctx).
		Where("next_report_by < ? AND status IN ?", now, statusStrings([]fsm.TaskInstanceStatus{
			fsm.TIInstantiated, fsm.TILaunched, fsm.TIRunning,
		})).
		Where("workflow_run_id NOT IN (SELECT id FROM workflow_runs WHERE status IN ?)", statusStrings([]fsm.WorkflowRunStatus{
			fsm.WFRRegistered, fsm.WFRLinking, fsm.WFRRunning,
		})).
		Order("id").Find(&instances).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale instances: %w", err)
	}
	return instances, nil
}

// OrphanedWorkflows returns workflows that have been run at least once,
// still hold non-terminal work, and have no current run.
func (s *Store) OrphanedWorkflows(ctx context.Context) ([]Workflow, error) {
	var workflows []Workflow
	err := s.DB.WithContext(ctx).
		Where("status IN ?", statusStrings([]fsm.WorkflowStatus{fsm.WFRegistering, fsm.WFQueued, fsm.WFRunning})).
		Where("id IN (SELECT workflow_id FROM workflow_runs)").
		Where("id NOT IN (SELECT workflow_id FROM workflow_runs WHERE status IN ?)", statusStrings([]fsm.WorkflowRunStatus{
			fsm.WFRRegistered, fsm.WFRLinking, fsm.WFRRunning,
		})).
		Order("id").Find(&workflows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned workflows: %w", err)
	}
	return workflows, nil
}

// InFlightInstanceCount counts a run's live instances.
func (s *Store) InFlightInstanceCount(ctx context.Context, workflowRunID int64) (int, error) {
	var n int64
	err := s.DB.WithContext(ctx).Model(&TaskInstance{}).
		Where("workflow_run_id = ? AND status IN ?", workflowRunID, statusStrings([]fsm.TaskInstanceStatus{
			fsm.TIInstantiated, fsm.TILaunched, fsm.TIRunning,
		})).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight instances: %w", err)
	}
	return int(n), nil
}

// ClaimReaperLease takes or renews the singleton reaper lease. The claim
// succeeds when the row is free, expired, or already owned by the caller.
func (s *Store) ClaimReaperLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := s.Now()
	expires := now.Add(ttl)

	res := s.DB.WithContext(ctx).Model(&ReaperLease{}).
		Where("id = 1 AND (owner = ? OR expires_at < ?)", owner, now).
		Updates(map[string]interface{}{"owner": owner, "expires_at": expires})
	if res.Error != nil {
		return false, fmt.Errorf("failed to renew reaper lease: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	lease := ReaperLease{ID: 1, Owner: owner, ExpiresAt: expires}
	res = s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&lease)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim reaper lease: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}
