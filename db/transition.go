package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
	"github.com/ihmeuw-scicomp/jobmon/resource"
)

// TaskInstanceEvent is published to the event sink after a terminal
// task-instance transition commits.
type TaskInstanceEvent struct {
	TaskInstanceID int64                  `json:"task_instance_id"`
	TaskID         int64                  `json:"task_id"`
	WorkflowRunID  int64                  `json:"workflow_run_id"`
	WorkflowID     int64                  `json:"workflow_id"`
	Status         fsm.TaskInstanceStatus `json:"status"`
	TaskStatus     fsm.TaskStatus         `json:"task_status"`
	OccurredAt     time.Time              `json:"occurred_at"`
}

// EventSink receives terminal task-instance events. Implementations must be
// safe for concurrent use; publish failures are logged, never propagated,
// because the database commit is the source of truth.
type EventSink interface {
	TaskInstanceTerminal(ctx context.Context, event TaskInstanceEvent)
}

// TransitionContext carries the bookkeeping recorded alongside a
// task-instance transition.
type TransitionContext struct {
	DistributorID string
	NodeName      string
	ProcessID     int
	ErrorMessage  string
	FailureClass  resource.FailureClass
	WallclockSecs int64
	MaxRSSBytes   int64
}

// TransitionService is the only code path that mutates status columns.
// Every public method runs as a single database transaction: lock the row,
// validate the edge, write status and bookkeeping, cascade child to parent.
// Bulk SQL updates that bypass this service are a defect.
type TransitionService struct {
	store  *Store
	sink   EventSink
	config HeartbeatConfig
}

// HeartbeatConfig carries the horizon arithmetic for next_report_by stamps.
type HeartbeatConfig struct {
	Interval     time.Duration
	ReportFactor int
}

// ReportBy computes the next_report_by horizon from now.
func (h HeartbeatConfig) ReportBy(now time.Time) time.Time {
	factor := h.ReportFactor
	if factor < 1 {
		factor = 1
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	return now.Add(interval * time.Duration(factor))
}

// NewTransitionService wires the service. sink may be nil.
func NewTransitionService(store *Store, sink EventSink, hb HeartbeatConfig) *TransitionService {
	return &TransitionService{store: store, sink: sink, config: hb}
}

// conflictRetries bounds internal retries when a row loses a lock race.
const conflictRetries = 3

// TransitionTaskInstance drives one attempt to a new status, cascading into
// the parent task (and from there into downstream tasks and the workflow)
// when the transition is terminal or an error classification. Repeating an
// already-applied transition is a no-op, preserving at-least-once delivery
// from distributors and workers.
func (ts *TransitionService) TransitionTaskInstance(ctx context.Context, tiID int64, target fsm.TaskInstanceStatus, tctx TransitionContext) (*TaskInstance, error) {
	var result *TaskInstance
	var events []TaskInstanceEvent
	err := ts.withRetry(func() error {
		events = events[:0]
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ti, err := lockTaskInstance(tx, tiID)
			if err != nil {
				return err
			}
			evts, err := ts.transitionTaskInstanceTx(tx, ti, target, tctx)
			if err != nil {
				return err
			}
			events = evts
			result = ti
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	ts.publish(ctx, events)
	return result, nil
}

// TransitionTask moves a task along one edge without touching instances.
// Used internally by cascades and by the admin status override.
func (ts *TransitionService) TransitionTask(ctx context.Context, taskID int64, target fsm.TaskStatus) (*Task, error) {
	var result *Task
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			task, err := lockTask(tx, taskID)
			if err != nil {
				return err
			}
			if err := ts.transitionTaskTx(tx, task, target); err != nil {
				return err
			}
			result = task
			return nil
		})
	})
	return result, err
}

// TransitionWorkflowRun moves a run along one edge. Repeats are no-ops.
func (ts *TransitionService) TransitionWorkflowRun(ctx context.Context, wfrID int64, target fsm.WorkflowRunStatus) (*WorkflowRun, error) {
	var result *WorkflowRun
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wfr WorkflowRun
			if err := firstLocked(tx, &wfr, wfrID, "workflow_run"); err != nil {
				return err
			}
			if wfr.Status == target {
				result = &wfr
				return nil
			}
			if !wfr.Status.CanTransitionTo(target) {
				return &common.InvalidTransitionError{Entity: "workflow_run", ID: wfr.ID, From: string(wfr.Status), To: string(target)}
			}
			now := ts.store.Now()
			updates := map[string]interface{}{"status": target, "status_date": now}
			if err := tx.Model(&WorkflowRun{}).Where("id = ?", wfr.ID).Updates(updates).Error; err != nil {
				return fmt.Errorf("failed to update workflow run: %w", err)
			}
			wfr.Status = target
			wfr.StatusDate = now
			result = &wfr
			return nil
		})
	})
	return result, err
}

// RollUpWorkflow recomputes the workflow status from its task statuses.
// Exposed for the reaper; cascades call the transactional form directly.
func (ts *TransitionService) RollUpWorkflow(ctx context.Context, workflowID int64) (*Workflow, error) {
	var result *Workflow
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			wf, err := ts.rollUpWorkflowTx(tx, workflowID)
			if err != nil {
				return err
			}
			result = wf
			return nil
		})
	})
	return result, err
}

// TransitionArrayBatch bulk-transitions the sibling task instances of one
// array that currently sit in one of the filter statuses. Each row is
// validated individually; rows whose current status does not admit the edge
// are skipped, not failed, so the bulk call is idempotent.
func (ts *TransitionService) TransitionArrayBatch(ctx context.Context, arrayID int64, target fsm.TaskInstanceStatus, filter []fsm.TaskInstanceStatus, tctx TransitionContext) (int, error) {
	transitioned := 0
	var events []TaskInstanceEvent
	err := ts.withRetry(func() error {
		transitioned = 0
		events = events[:0]
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var instances []TaskInstance
			q := lockClause(tx).Where("array_id = ?", arrayID)
			if len(filter) > 0 {
				q = q.Where("status IN ?", statusStrings(filter))
			}
			if err := q.Order("id").Find(&instances).Error; err != nil {
				return fmt.Errorf("failed to list array instances: %w", err)
			}
			for i := range instances {
				ti := &instances[i]
				if !ti.Status.CanTransitionTo(target) {
					continue
				}
				evts, err := ts.transitionTaskInstanceTx(tx, ti, target, tctx)
				if err != nil {
					return err
				}
				events = append(events, evts...)
				transitioned++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	ts.publish(ctx, events)
	return transitioned, nil
}

// transitionTaskInstanceTx applies one validated edge inside the caller's
// transaction and cascades into the parent task. Lock order is always
// TaskInstance then Task then Workflow.
func (ts *TransitionService) transitionTaskInstanceTx(tx *gorm.DB, ti *TaskInstance, target fsm.TaskInstanceStatus, tctx TransitionContext) ([]TaskInstanceEvent, error) {
	if ti.Status == target {
		return nil, nil // idempotent repeat
	}
	if !ti.Status.CanTransitionTo(target) {
		return nil, &common.InvalidTransitionError{Entity: "task_instance", ID: ti.ID, From: string(ti.Status), To: string(target)}
	}

	now := ts.store.Now()
	updates := map[string]interface{}{"status": target, "status_date": now}

	switch target {
	case fsm.TILaunched:
		if tctx.DistributorID != "" {
			updates["distributor_id"] = tctx.DistributorID
		}
		updates["next_report_by"] = ts.config.ReportBy(now)
	case fsm.TIRunning:
		if tctx.NodeName != "" {
			updates["node_name"] = tctx.NodeName
		}
		if tctx.ProcessID != 0 {
			updates["process_id"] = tctx.ProcessID
		}
		updates["next_report_by"] = ts.config.ReportBy(now)
	case fsm.TIDone:
		if tctx.WallclockSecs != 0 {
			updates["wallclock_secs"] = tctx.WallclockSecs
		}
		if tctx.MaxRSSBytes != 0 {
			updates["max_rss_bytes"] = tctx.MaxRSSBytes
		}
	}

	if err := tx.Model(&TaskInstance{}).Where("id = ?", ti.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update task instance: %w", err)
	}
	ti.Status = target
	ti.StatusDate = now

	if tctx.ErrorMessage != "" && (target.IsErrorState() || target == fsm.TIErrorFatal) {
		row := TaskInstanceErrorLog{TaskInstanceID: ti.ID, ErrorTime: now, Description: truncateError(tctx.ErrorMessage)}
		if err := tx.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to insert error log: %w", err)
		}
	}

	if target == fsm.TIDone || target.IsErrorState() || target == fsm.TIErrorFatal {
		return ts.cascadeToTask(tx, ti, tctx)
	}
	return nil, nil
}

// cascadeToTask applies the child-to-parent rules after a task-instance
// terminal or error transition.
func (ts *TransitionService) cascadeToTask(tx *gorm.DB, ti *TaskInstance, tctx TransitionContext) ([]TaskInstanceEvent, error) {
	task, err := lockTask(tx, ti.TaskID)
	if err != nil {
		return nil, err
	}

	var events []TaskInstanceEvent
	emit := func() {
		events = append(events, TaskInstanceEvent{
			TaskInstanceID: ti.ID,
			TaskID:         task.ID,
			WorkflowRunID:  ti.WorkflowRunID,
			WorkflowID:     task.WorkflowID,
			Status:         ti.Status,
			TaskStatus:     task.Status,
			OccurredAt:     ts.store.Now(),
		})
	}

	switch {
	case ti.Status == fsm.TIDone:
		// A done attempt finishes the task unconditionally.
		if err := ts.transitionTaskTx(tx, task, fsm.TaskDone); err != nil {
			return nil, err
		}
		emit()
		return events, nil

	case ti.Status == fsm.TIKillSelf:
		// Cold-resume kill: finalize the attempt; the resume flow decides
		// whether the task is reset for a new run or driven fatal.
		if _, err := ts.finalizeInstanceTx(tx, ti); err != nil {
			return nil, err
		}
		emit()
		return events, nil

	case ti.Status.IsErrorState():
		if task.NumAttempts >= task.MaxAttempts {
			if _, err := ts.finalizeInstanceTx(tx, ti); err != nil {
				return nil, err
			}
			reason := "max_attempts"
			if ti.Status == fsm.TIResourceErr {
				reason = string(tctx.FailureClass)
			}
			if err := ts.failTaskTx(tx, task, reason); err != nil {
				return nil, err
			}
			emit()
			return events, nil
		}

		if ti.Status == fsm.TIResourceErr {
			// Resource failure with retries remaining: adjust then re-queue.
			if err := ts.adjustAndRequeueTx(tx, task, ti, tctx); err != nil {
				return nil, err
			}
			emit()
			return events, nil
		}

		// Plain retriable error: record the recoverable state, then the
		// retry edge back to queued within the same transaction.
		if err := ts.transitionTaskTx(tx, task, fsm.TaskErrorRecoverable); err != nil {
			return nil, err
		}
		if err := ts.transitionTaskTx(tx, task, fsm.TaskQueued); err != nil {
			return nil, err
		}
		emit()
		return events, nil

	case ti.Status == fsm.TIErrorFatal:
		emit()
		return events, nil
	}
	return events, nil
}

// adjustAndRequeueTx applies the resource-adjustment policy and requeues the
// task, or drives it fatal when no queue fits.
func (ts *TransitionService) adjustAndRequeueTx(tx *gorm.DB, task *Task, ti *TaskInstance, tctx TransitionContext) error {
	if err := ts.transitionTaskTx(tx, task, fsm.TaskAdjusting); err != nil {
		return err
	}

	current, err := task.CurrentResources()
	if err != nil {
		return fmt.Errorf("failed to decode task resources: %w", err)
	}
	rule, err := task.Scaling()
	if err != nil {
		return fmt.Errorf("failed to decode scaling rule: %w", err)
	}
	fallbacks, err := task.Fallbacks()
	if err != nil {
		return fmt.Errorf("failed to decode fallback queues: %w", err)
	}
	class := tctx.FailureClass
	if class == "" {
		class = resource.FailureMemoryExceeded
	}

	lookup := txQueueLookup(tx)
	adj := resource.Adjust(current, class, rule, fallbacks, task.NumAttempts, lookup)
	if adj.NoFit {
		if _, err := ts.finalizeInstanceTx(tx, ti); err != nil {
			return err
		}
		return ts.failTaskTx(tx, task, adj.Reason)
	}

	next := MarshalJSONString(adj.Next)
	if err := tx.Model(&Task{}).Where("id = ?", task.ID).Update("resources", next).Error; err != nil {
		return fmt.Errorf("failed to store adjusted resources: %w", err)
	}
	task.Resources = next
	return ts.transitionTaskTx(tx, task, fsm.TaskQueued)
}

// finalizeInstanceTx drives a classified-error instance to its fatal
// terminal state.
func (ts *TransitionService) finalizeInstanceTx(tx *gorm.DB, ti *TaskInstance) (bool, error) {
	if ti.Status == fsm.TIErrorFatal {
		return false, nil
	}
	if !ti.Status.CanTransitionTo(fsm.TIErrorFatal) {
		return false, &common.InvalidTransitionError{Entity: "task_instance", ID: ti.ID, From: string(ti.Status), To: string(fsm.TIErrorFatal)}
	}
	now := ts.store.Now()
	err := tx.Model(&TaskInstance{}).Where("id = ?", ti.ID).
		Updates(map[string]interface{}{"status": fsm.TIErrorFatal, "status_date": now}).Error
	if err != nil {
		return false, fmt.Errorf("failed to finalize task instance: %w", err)
	}
	ti.Status = fsm.TIErrorFatal
	ti.StatusDate = now
	return true, nil
}

// failTaskTx drives a task fatal with a recorded reason and rolls up.
func (ts *TransitionService) failTaskTx(tx *gorm.DB, task *Task, reason string) error {
	if err := tx.Model(&Task{}).Where("id = ?", task.ID).Update("fatal_reason", reason).Error; err != nil {
		return fmt.Errorf("failed to record fatal reason: %w", err)
	}
	task.FatalReason = reason
	return ts.transitionTaskTx(tx, task, fsm.TaskErrorFatal)
}

// transitionTaskTx applies one validated task edge and, when the task
// becomes terminal, activates downstream tasks and rolls up the workflow in
// the same transaction.
func (ts *TransitionService) transitionTaskTx(tx *gorm.DB, task *Task, target fsm.TaskStatus) error {
	if task.Status == target {
		return nil
	}
	if !task.Status.CanTransitionTo(target) {
		return &common.InvalidTransitionError{Entity: "task", ID: task.ID, From: string(task.Status), To: string(target)}
	}

	now := ts.store.Now()
	err := tx.Model(&Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{"status": target, "status_date": now}).Error
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	task.Status = target
	task.StatusDate = now

	if target == fsm.TaskDone {
		if err := ts.activateDownstreamTx(tx, task); err != nil {
			return err
		}
	}
	if target.IsTerminal() {
		if _, err := ts.rollUpWorkflowTx(tx, task.WorkflowID); err != nil {
			return err
		}
	}
	return nil
}

// activateDownstreamTx is the sole dependency-resolution rule: when a task
// becomes done, every downstream task whose upstream set is now wholly done
// and whose status is registering becomes queued. Runs in the same
// transaction as the parent's terminal edge so no downstream can starve.
func (ts *TransitionService) activateDownstreamTx(tx *gorm.DB, task *Task) error {
	var wf Workflow
	if err := tx.First(&wf, task.WorkflowID).Error; err != nil {
		return fmt.Errorf("failed to read workflow: %w", err)
	}

	var edge Edge
	err := tx.First(&edge, "dag_id = ? AND node_id = ?", wf.DagID, task.NodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // isolated node
	}
	if err != nil {
		return fmt.Errorf("failed to read edge: %w", err)
	}
	spec, err := edge.Spec()
	if err != nil {
		return fmt.Errorf("failed to decode edge: %w", err)
	}
	if len(spec.DownstreamNodeIDs) == 0 {
		return nil
	}

	var downstream []Task
	err = tx.Where("workflow_id = ? AND node_id IN ? AND status = ?",
		task.WorkflowID, spec.DownstreamNodeIDs, fsm.TaskRegistering).
		Order("id").Find(&downstream).Error
	if err != nil {
		return fmt.Errorf("failed to read downstream tasks: %w", err)
	}

	for i := range downstream {
		candidate := &downstream[i]
		ready, err := ts.upstreamsDoneTx(tx, wf.DagID, candidate)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		if err := ts.transitionTaskTx(tx, candidate, fsm.TaskQueued); err != nil {
			return err
		}
	}
	return nil
}

// upstreamsDoneTx reports whether every upstream task of the candidate is
// done.
func (ts *TransitionService) upstreamsDoneTx(tx *gorm.DB, dagID int64, candidate *Task) (bool, error) {
	var edge Edge
	err := tx.First(&edge, "dag_id = ? AND node_id = ?", dagID, candidate.NodeID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read edge: %w", err)
	}
	spec, err := edge.Spec()
	if err != nil {
		return false, fmt.Errorf("failed to decode edge: %w", err)
	}
	if len(spec.UpstreamNodeIDs) == 0 {
		return true, nil
	}

	var notDone int64
	err = tx.Model(&Task{}).
		Where("workflow_id = ? AND node_id IN ? AND status <> ?", candidate.WorkflowID, spec.UpstreamNodeIDs, fsm.TaskDone).
		Count(&notDone).Error
	if err != nil {
		return false, fmt.Errorf("failed to count upstream tasks: %w", err)
	}
	return notDone == 0, nil
}

// rollUpWorkflowTx recomputes the workflow status from task counts. Only
// D, F, R and Q are derived here; H is owned by the reaper.
func (ts *TransitionService) rollUpWorkflowTx(tx *gorm.DB, workflowID int64) (*Workflow, error) {
	var wf Workflow
	if err := firstLocked(tx, &wf, workflowID, "workflow"); err != nil {
		return nil, err
	}

	counts, err := taskStatusCountsTx(tx, workflowID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	done := counts[fsm.TaskDone]
	fatal := counts[fsm.TaskErrorFatal]
	active := counts[fsm.TaskInstantiating] + counts[fsm.TaskLaunched] + counts[fsm.TaskRunning]

	var target fsm.WorkflowStatus
	switch {
	case total == 0 || done == total:
		// An empty dag yields an immediately-done workflow.
		target = fsm.WFDone
	case fatal > 0 && done+fatal == total:
		target = fsm.WFFailed
	case active > 0:
		target = fsm.WFRunning
	default:
		target = fsm.WFQueued
	}

	if wf.Status == target {
		return &wf, nil
	}
	if !wf.Status.CanTransitionTo(target) {
		// A frozen (done) workflow never reopens; treat any other
		// unexpected derivation as a defect.
		return nil, &common.InvalidTransitionError{Entity: "workflow", ID: wf.ID, From: string(wf.Status), To: string(target)}
	}
	now := ts.store.Now()
	err = tx.Model(&Workflow{}).Where("id = ?", wf.ID).
		Updates(map[string]interface{}{"status": target, "status_date": now}).Error
	if err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}
	wf.Status = target
	wf.StatusDate = now
	return &wf, nil
}

// SetWorkflowStatus is a reaper-only edge for halting workflows that lost
// their run. Validated against the workflow machine like any other edge.
func (ts *TransitionService) SetWorkflowStatus(ctx context.Context, workflowID int64, target fsm.WorkflowStatus) error {
	return ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wf Workflow
			if err := firstLocked(tx, &wf, workflowID, "workflow"); err != nil {
				return err
			}
			if wf.Status == target {
				return nil
			}
			if !wf.Status.CanTransitionTo(target) {
				return &common.InvalidTransitionError{Entity: "workflow", ID: wf.ID, From: string(wf.Status), To: string(target)}
			}
			return tx.Model(&Workflow{}).Where("id = ?", wf.ID).
				Updates(map[string]interface{}{"status": target, "status_date": ts.store.Now()}).Error
		})
	})
}

// publish forwards committed terminal events to the sink.
func (ts *TransitionService) publish(ctx context.Context, events []TaskInstanceEvent) {
	if ts.sink == nil {
		return
	}
	for _, e := range events {
		ts.sink.TaskInstanceTerminal(ctx, e)
	}
}

// withRetry retries lock/serialization races a bounded number of times,
// then surfaces a conflict. Domain errors pass through untouched.
func (ts *TransitionService) withRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isRetryableConflict(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 25 * time.Millisecond)
	}
	return &common.ConflictError{Message: fmt.Sprintf("transition lost a concurrency race after %d attempts: %v", conflictRetries, err)}
}

func isRetryableConflict(err error) bool {
	if err == nil {
		return false
	}
	if common.IsDomainError(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "could not serialize") ||
		strings.Contains(msg, "lock") && strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "database is locked")
}

func truncateError(msg string) string {
	const maxErrorLen = 4096
	if len(msg) > maxErrorLen {
		return msg[:maxErrorLen]
	}
	return msg
}

// lockClause applies SELECT ... FOR UPDATE on backends that support it.
// The sqlite test backend serializes writers on its own.
func lockClause(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func lockTaskInstance(tx *gorm.DB, id int64) (*TaskInstance, error) {
	var ti TaskInstance
	if err := firstLocked(tx, &ti, id, "task_instance"); err != nil {
		return nil, err
	}
	return &ti, nil
}

func lockTask(tx *gorm.DB, id int64) (*Task, error) {
	var task Task
	if err := firstLocked(tx, &task, id, "task"); err != nil {
		return nil, err
	}
	return &task, nil
}

func firstLocked(tx *gorm.DB, dest interface{}, id int64, entity string) error {
	err := lockClause(tx).First(dest, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &common.NotFoundError{Entity: entity, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", entity, err)
	}
	return nil
}

// txQueueLookup resolves queue limits inside the caller's transaction.
func txQueueLookup(tx *gorm.DB) resource.QueueLookup {
	return func(name string) (resource.QueueLimits, bool) {
		var q SchedulerQueue
		if err := tx.First(&q, "name = ?", name).Error; err != nil {
			return resource.QueueLimits{}, false
		}
		return q.Limits(), true
	}
}

func taskStatusCountsTx(tx *gorm.DB, workflowID int64) (map[fsm.TaskStatus]int, error) {
	type row struct {
		Status string
		N      int
	}
	var rows []row
	err := tx.Model(&Task{}).Select("status, count(*) as n").
		Where("workflow_id = ?", workflowID).Group("status").Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to count task statuses: %w", err)
	}
	counts := make(map[fsm.TaskStatus]int, len(rows))
	for _, r := range rows {
		counts[fsm.TaskStatus(r.Status)] = r.N
	}
	return counts, nil
}

func statusStrings[S ~string](statuses []S) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
