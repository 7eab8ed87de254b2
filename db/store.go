package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// taskInsertChunk bounds one bulk-insert statement so large workflows never
// hit the backend's bind-parameter limit. Each chunk is its own transaction.
const taskInsertChunk = 500

// Store is the entity store: get-or-create by hash for every hash-keyed
// entity, bulk inserts, attribute upserts and indexed lookups. All status
// mutations live in the TransitionService, not here.
type Store struct {
	DB *gorm.DB
	// Now is the clock authority for status dates and heartbeats.
	// Injected for tests.
	Now func() time.Time
}

// NewStore wraps a gorm handle.
func NewStore(gdb *gorm.DB) *Store {
	return &Store{DB: gdb, Now: time.Now}
}

// GetOrCreateTool returns the tool id for a name, creating it on first use.
func (s *Store) GetOrCreateTool(ctx context.Context, name string) (*Tool, bool, error) {
	tool := Tool{Name: name}
	created, err := s.getOrCreate(ctx, &tool, "name = ?", name)
	return &tool, created, err
}

// GetOrCreateToolVersion returns the version row for (tool, version),
// creating it on first use.
func (s *Store) GetOrCreateToolVersion(ctx context.Context, toolID int64, version string) (*ToolVersion, bool, error) {
	tv := ToolVersion{ToolID: toolID, Version: version}
	created, err := s.getOrCreate(ctx, &tv, "tool_id = ? AND version = ?", toolID, version)
	return &tv, created, err
}

// GetOrCreateTaskTemplate returns the template id for (tool version, name).
func (s *Store) GetOrCreateTaskTemplate(ctx context.Context, toolVersionID int64, name string) (*TaskTemplate, bool, error) {
	tt := TaskTemplate{ToolVersionID: toolVersionID, Name: name}
	created, err := s.getOrCreate(ctx, &tt, "tool_version_id = ? AND name = ?", toolVersionID, name)
	return &tt, created, err
}

// GetOrCreateTaskTemplateVersion hash-deduplicates a template version.
func (s *Store) GetOrCreateTaskTemplateVersion(ctx context.Context, taskTemplateID int64, commandTemplate string, argNames []string) (*TaskTemplateVersion, bool, error) {
	hash := TaskTemplateVersionHash(taskTemplateID, commandTemplate, argNames)
	ttv := TaskTemplateVersion{
		TaskTemplateID:  taskTemplateID,
		CommandTemplate: commandTemplate,
		ArgMapping:      CanonicalizeArgNames(argNames),
		Hash:            hash,
	}
	created, err := s.getOrCreate(ctx, &ttv, "task_template_id = ? AND hash = ?", taskTemplateID, hash)
	return &ttv, created, err
}

// GetOrCreateNode hash-deduplicates a node.
func (s *Store) GetOrCreateNode(ctx context.Context, taskTemplateVersionID int64, nodeArgs map[string]string) (*Node, bool, error) {
	hash := NodeHash(taskTemplateVersionID, nodeArgs)
	node := Node{
		TaskTemplateVersionID: taskTemplateVersionID,
		NodeArgs:              CanonicalizeArgs(nodeArgs),
		Hash:                  hash,
	}
	created, err := s.getOrCreate(ctx, &node, "task_template_version_id = ? AND hash = ?", taskTemplateVersionID, hash)
	return &node, created, err
}

// GetOrCreateDag hash-deduplicates a dag over its edge set and bulk-inserts
// the edges on first creation. A node listing itself upstream or downstream
// is rejected at bind.
func (s *Store) GetOrCreateDag(ctx context.Context, edges []EdgeSpec) (*Dag, bool, error) {
	for _, e := range edges {
		for _, up := range e.UpstreamNodeIDs {
			if up == e.NodeID {
				return nil, false, common.NewValidationError("node %d depends on itself", e.NodeID)
			}
		}
		for _, down := range e.DownstreamNodeIDs {
			if down == e.NodeID {
				return nil, false, common.NewValidationError("node %d depends on itself", e.NodeID)
			}
		}
	}

	hash := DagHash(edges)
	dag := Dag{Hash: hash}
	created, err := s.getOrCreate(ctx, &dag, "hash = ?", hash)
	if err != nil {
		return nil, false, err
	}
	if created && len(edges) > 0 {
		rows := make([]Edge, 0, len(edges))
		for _, e := range edges {
			rows = append(rows, e.Row(dag.ID))
		}
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, taskInsertChunk).Error
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert edges: %w", err)
		}
	}
	return &dag, created, nil
}

// GetOrCreateWorkflow binds or looks up a workflow by its stable hash.
func (s *Store) GetOrCreateWorkflow(ctx context.Context, toolVersionID, dagID int64, name, workflowArgs string, maxConcurrentlyRunning int) (*Workflow, bool, error) {
	hash := WorkflowHash(toolVersionID, dagID, workflowArgs)
	wf := Workflow{
		ToolVersionID:          toolVersionID,
		DagID:                  dagID,
		Name:                   name,
		WorkflowArgs:           workflowArgs,
		Hash:                   hash,
		MaxConcurrentlyRunning: maxConcurrentlyRunning,
		Status:                 fsm.WFRegistering,
		StatusDate:             s.Now(),
	}
	created, err := s.getOrCreate(ctx, &wf, "hash = ?", hash)
	return &wf, created, err
}

// GetOrCreateArray returns the array grouping tasks of one template version
// within a workflow.
func (s *Store) GetOrCreateArray(ctx context.Context, workflowID, taskTemplateVersionID int64, name string, maxConcurrentlyRunning int) (*Array, bool, error) {
	arr := Array{
		WorkflowID:             workflowID,
		TaskTemplateVersionID:  taskTemplateVersionID,
		Name:                   name,
		MaxConcurrentlyRunning: maxConcurrentlyRunning,
	}
	created, err := s.getOrCreate(ctx, &arr, "workflow_id = ? AND task_template_version_id = ?", workflowID, taskTemplateVersionID)
	return &arr, created, err
}

// BulkInsertTasks creates tasks in chunks sized to respect the backend
// row-limit; each chunk is its own transaction. Tasks already bound for
// (workflow, node) are skipped and re-read so rebinding is idempotent.
func (s *Store) BulkInsertTasks(ctx context.Context, tasks []Task) ([]Task, error) {
	now := s.Now()
	for i := range tasks {
		if tasks[i].Status == "" {
			tasks[i].Status = fsm.TaskRegistering
		}
		if tasks[i].MaxAttempts <= 0 {
			tasks[i].MaxAttempts = 1
		}
		tasks[i].StatusDate = now
	}

	for start := 0; start < len(tasks); start += taskInsertChunk {
		end := start + taskInsertChunk
		if end > len(tasks) {
			end = len(tasks)
		}
		chunk := tasks[start:end]
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&chunk).Error
		})
		if err != nil {
			return nil, fmt.Errorf("failed to bulk-insert tasks: %w", err)
		}
		copy(tasks[start:end], chunk)
	}

	// Re-read the full set so callers observe the winners of any insert
	// races, not just their own rows.
	workflowIDs := map[int64]struct{}{}
	for _, t := range tasks {
		workflowIDs[t.WorkflowID] = struct{}{}
	}
	var bound []Task
	for wfID := range workflowIDs {
		var rows []Task
		if err := s.DB.WithContext(ctx).Where("workflow_id = ?", wfID).Order("id").Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to re-read tasks: %w", err)
		}
		bound = append(bound, rows...)
	}
	return bound, nil
}

// UpsertWorkflowAttributes inserts or replaces attribute rows.
func (s *Store) UpsertWorkflowAttributes(ctx context.Context, workflowID int64, attrs map[string]string) error {
	if len(attrs) == 0 {
		return nil
	}
	rows := make([]WorkflowAttribute, 0, len(attrs))
	for k, v := range attrs {
		rows = append(rows, WorkflowAttribute{WorkflowID: workflowID, Name: k, Value: v})
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workflow_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("failed to upsert workflow attributes: %w", err)
	}
	return nil
}

// UpsertQueue inserts or replaces a scheduler queue definition.
func (s *Store) UpsertQueue(ctx context.Context, q SchedulerQueue) error {
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"max_memory_bytes", "max_runtime_seconds", "max_cores"}),
	}).Create(&q).Error
	if err != nil {
		return fmt.Errorf("failed to upsert queue: %w", err)
	}
	return nil
}

// QueueLookup returns a resource.QueueLookup backed by the queues table.
func (s *Store) QueueLookup(ctx context.Context) resource.QueueLookup {
	return func(name string) (resource.QueueLimits, bool) {
		var q SchedulerQueue
		err := s.DB.WithContext(ctx).First(&q, "name = ?", name).Error
		if err != nil {
			return resource.QueueLimits{}, false
		}
		return q.Limits(), true
	}
}

// GetWorkflow fetches by primary id.
func (s *Store) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	var wf Workflow
	if err := s.DB.WithContext(ctx).First(&wf, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "workflow", ID: id}
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return &wf, nil
}

// GetWorkflowByHash fetches by identity hash.
func (s *Store) GetWorkflowByHash(ctx context.Context, hash string) (*Workflow, error) {
	var wf Workflow
	if err := s.DB.WithContext(ctx).First(&wf, "hash = ?", hash).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "workflow", ID: 0}
		}
		return nil, fmt.Errorf("failed to get workflow by hash: %w", err)
	}
	return &wf, nil
}

// GetWorkflowRun fetches by primary id.
func (s *Store) GetWorkflowRun(ctx context.Context, id int64) (*WorkflowRun, error) {
	var wfr WorkflowRun
	if err := s.DB.WithContext(ctx).First(&wfr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "workflow_run", ID: id}
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return &wfr, nil
}

// GetCurrentWorkflowRun returns the run currently holding the workflow
// lease, or nil if none.
func (s *Store) GetCurrentWorkflowRun(ctx context.Context, workflowID int64) (*WorkflowRun, error) {
	var wfr WorkflowRun
	err := s.DB.WithContext(ctx).
		Where("workflow_id = ? AND status IN ?", workflowID, []string{
			string(fsm.WFRRegistered), string(fsm.WFRLinking), string(fsm.WFRRunning),
		}).
		Order("id DESC").First(&wfr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current workflow run: %w", err)
	}
	return &wfr, nil
}

// GetTask fetches by primary id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	var task Task
	if err := s.DB.WithContext(ctx).First(&task, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "task", ID: id}
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// GetTaskInstance fetches by primary id.
func (s *Store) GetTaskInstance(ctx context.Context, id int64) (*TaskInstance, error) {
	var ti TaskInstance
	if err := s.DB.WithContext(ctx).First(&ti, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "task_instance", ID: id}
		}
		return nil, fmt.Errorf("failed to get task instance: %w", err)
	}
	return &ti, nil
}

// GetArray fetches by primary id.
func (s *Store) GetArray(ctx context.Context, id int64) (*Array, error) {
	var arr Array
	if err := s.DB.WithContext(ctx).First(&arr, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &common.NotFoundError{Entity: "array", ID: id}
		}
		return nil, fmt.Errorf("failed to get array: %w", err)
	}
	return &arr, nil
}

// InsertErrorLog records one error message for an attempt. Messages are
// truncated so a runaway stderr cannot bloat the table.
func (s *Store) InsertErrorLog(ctx context.Context, taskInstanceID int64, description string) error {
	const maxErrorLen = 4096
	if len(description) > maxErrorLen {
		description = description[:maxErrorLen]
	}
	row := TaskInstanceErrorLog{
		TaskInstanceID: taskInstanceID,
		ErrorTime:      s.Now(),
		Description:    description,
	}
	if err := s.DB.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to insert error log: %w", err)
	}
	return nil
}

// ErrorLogs returns the error rows for one attempt, oldest first.
func (s *Store) ErrorLogs(ctx context.Context, taskInstanceID int64) ([]TaskInstanceErrorLog, error) {
	var rows []TaskInstanceErrorLog
	err := s.DB.WithContext(ctx).Where("task_instance_id = ?", taskInstanceID).Order("id").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list error logs: %w", err)
	}
	return rows, nil
}

// getOrCreate inserts the row, tolerating a lost uniqueness race by
// re-selecting the winner. Returns whether this call created the row.
func (s *Store) getOrCreate(ctx context.Context, entity interface{}, query string, args ...interface{}) (bool, error) {
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(entity)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	if err := s.DB.WithContext(ctx).Where(query, args...).First(entity).Error; err != nil {
		return false, fmt.Errorf("failed to re-select after conflict: %w", err)
	}
	return false, nil
}

// MarshalJSONString is a small helper for writing canonical JSON columns.
func MarshalJSONString(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
