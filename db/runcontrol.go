package db

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// ResumeMode selects what happens to a superseded run's in-flight work.
type ResumeMode string

const (
	// ResumeHot preserves in-flight task instances for the new run.
	ResumeHot ResumeMode = "hot"
	// ResumeCold kills in-flight task instances and re-runs their tasks.
	ResumeCold ResumeMode = "cold"
)

// CreateWorkflowRun opens a new run against a workflow, first superseding
// the current run (registered, linking or running), if any, according to
// the resume mode. Runs already halted are left as they are, so a cold
// resume does not kill instances that an earlier halted run still holds.
// Exactly one
// caller wins a race: losers hold a stale run id and receive
// WorkflowRunNotCurrent on their first mutating call.
func (ts *TransitionService) CreateWorkflowRun(ctx context.Context, workflowID int64, user, jobmonVersion string, mode ResumeMode) (*WorkflowRun, error) {
	var result *WorkflowRun
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wf Workflow
			if err := firstLocked(tx, &wf, workflowID, "workflow"); err != nil {
				return err
			}

			var prior WorkflowRun
			err := lockClause(tx).
				Where("workflow_id = ? AND status IN ?", workflowID, statusStrings([]fsm.WorkflowRunStatus{
					fsm.WFRRegistered, fsm.WFRLinking, fsm.WFRRunning,
				})).
				Order("id DESC").First(&prior).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to look up current run: %w", err)
			}
			if err == nil {
				if err := ts.supersedeRunTx(tx, &prior, mode); err != nil {
					return err
				}
			}

			now := ts.store.Now()
			run := WorkflowRun{
				WorkflowID:    workflowID,
				User:          user,
				JobmonVersion: jobmonVersion,
				Status:        fsm.WFRRegistered,
				StatusDate:    now,
				HeartbeatDate: now,
				NextReportBy:  ts.config.ReportBy(now),
			}
			if err := tx.Create(&run).Error; err != nil {
				return fmt.Errorf("failed to create workflow run: %w", err)
			}
			result = &run
			return nil
		})
	})
	return result, err
}

// supersedeRunTx transitions the prior current run out of currency. Hot
// resume parks it halted with in-flight instances preserved; cold resume
// kills every non-terminal instance and resets or fails its task.
func (ts *TransitionService) supersedeRunTx(tx *gorm.DB, prior *WorkflowRun, mode ResumeMode) error {
	target := fsm.WFRHalted
	if mode == ResumeCold {
		target = fsm.WFRColdResume
	}
	if !prior.Status.CanTransitionTo(target) {
		return &common.InvalidTransitionError{Entity: "workflow_run", ID: prior.ID, From: string(prior.Status), To: string(target)}
	}
	now := ts.store.Now()
	err := tx.Model(&WorkflowRun{}).Where("id = ?", prior.ID).
		Updates(map[string]interface{}{"status": target, "status_date": now}).Error
	if err != nil {
		return fmt.Errorf("failed to supersede run: %w", err)
	}
	prior.Status = target

	if mode == ResumeCold {
		if err := ts.killRunInstancesTx(tx, prior); err != nil {
			return err
		}
		err = tx.Model(&WorkflowRun{}).Where("id = ?", prior.ID).
			Updates(map[string]interface{}{"status": fsm.WFRTerminated, "status_date": ts.store.Now()}).Error
		if err != nil {
			return fmt.Errorf("failed to terminate superseded run: %w", err)
		}
		prior.Status = fsm.WFRTerminated
	}
	return nil
}

// killRunInstancesTx forces every non-terminal instance of a run through
// kill-self to fatal and prepares its task for the next run: tasks with
// attempts remaining return to registering; tasks already at their attempt
// cap go fatal under the cold-resume-kill rule.
func (ts *TransitionService) killRunInstancesTx(tx *gorm.DB, run *WorkflowRun) error {
	var instances []TaskInstance
	err := lockClause(tx).
		Where("workflow_run_id = ? AND status NOT IN ?", run.ID, statusStrings([]fsm.TaskInstanceStatus{
			fsm.TIDone, fsm.TIErrorFatal,
		})).
		Order("id").Find(&instances).Error
	if err != nil {
		return fmt.Errorf("failed to list in-flight instances: %w", err)
	}

	for i := range instances {
		ti := &instances[i]
		now := ts.store.Now()
		err := tx.Model(&TaskInstance{}).Where("id = ?", ti.ID).
			Updates(map[string]interface{}{"status": fsm.TIKillSelf, "status_date": now}).Error
		if err != nil {
			return fmt.Errorf("failed to kill instance: %w", err)
		}
		ti.Status = fsm.TIKillSelf
		if _, err := ts.finalizeInstanceTx(tx, ti); err != nil {
			return err
		}

		task, err := lockTask(tx, ti.TaskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			continue
		}
		if task.NumAttempts >= task.MaxAttempts {
			if err := ts.failTaskTx(tx, task, "cold_resume_kill"); err != nil {
				return err
			}
			continue
		}
		if err := ts.resetTaskTx(tx, task); err != nil {
			return err
		}
	}
	return nil
}

// resetTaskTx returns a non-terminal task to registering for a fresh run.
// This is the one edge outside the forward machine; it exists only for
// cold resume and admin reset, and never touches terminal tasks.
func (ts *TransitionService) resetTaskTx(tx *gorm.DB, task *Task) error {
	if task.Status.IsTerminal() {
		return &common.InvalidTransitionError{Entity: "task", ID: task.ID, From: string(task.Status), To: string(fsm.TaskRegistering)}
	}
	now := ts.store.Now()
	err := tx.Model(&Task{}).Where("id = ?", task.ID).
		Updates(map[string]interface{}{"status": fsm.TaskRegistering, "status_date": now}).Error
	if err != nil {
		return fmt.Errorf("failed to reset task: %w", err)
	}
	task.Status = fsm.TaskRegistering
	task.StatusDate = now
	return nil
}

// QueuedBatch is the coordinator's response payload for one submission
// batch: the instances created (or found, on an idempotent repeat) and the
// serialized commands to launch.
type QueuedBatch struct {
	Batch     ArrayBatch
	Instances []TaskInstance
	Commands  map[int64]string // task instance id -> command
}

// QueueTaskBatch creates one task instance per queued task of the batch,
// moving each task from queued to instantiating. Idempotent by
// (array id, batch key): a repeated call returns the existing batch.
// The calling run must hold the current lease.
func (ts *TransitionService) QueueTaskBatch(ctx context.Context, arrayID int64, batchKey string, taskIDs []int64, workflowRunID int64) (*QueuedBatch, error) {
	var result *QueuedBatch
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ts.requireCurrentRunTx(tx, workflowRunID); err != nil {
				return err
			}

			batch := ArrayBatch{ArrayID: arrayID, BatchKey: batchKey}
			var existing ArrayBatch
			err := tx.First(&existing, "array_id = ? AND batch_key = ?", arrayID, batchKey).Error
			if err == nil {
				instances, commands, err := batchInstancesTx(tx, existing.ID)
				if err != nil {
					return err
				}
				result = &QueuedBatch{Batch: existing, Instances: instances, Commands: commands}
				return nil
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to look up batch: %w", err)
			}

			var batchCount int64
			if err := tx.Model(&ArrayBatch{}).Where("array_id = ?", arrayID).Count(&batchCount).Error; err != nil {
				return fmt.Errorf("failed to count batches: %w", err)
			}
			batch.BatchNumber = int(batchCount) + 1
			if err := tx.Create(&batch).Error; err != nil {
				return fmt.Errorf("failed to create batch: %w", err)
			}

			qb := QueuedBatch{Batch: batch, Commands: map[int64]string{}}
			step := 0
			for _, taskID := range taskIDs {
				task, err := lockTask(tx, taskID)
				if err != nil {
					return err
				}
				if task.Status != fsm.TaskQueued {
					// Lost a race with another transition; skip rather than
					// fail the whole batch.
					continue
				}
				step++
				now := ts.store.Now()
				ti := TaskInstance{
					TaskID:        task.ID,
					WorkflowRunID: workflowRunID,
					ArrayID:       arrayID,
					ArrayBatchID:  batch.ID,
					ArrayStepID:   step,
					AttemptNumber: task.NumAttempts + 1,
					Status:        fsm.TIInstantiated,
					StatusDate:    now,
					Resources:     task.Resources,
					NextReportBy:  ts.config.ReportBy(now),
				}
				if err := tx.Create(&ti).Error; err != nil {
					return fmt.Errorf("failed to create task instance: %w", err)
				}
				err = tx.Model(&Task{}).Where("id = ?", task.ID).
					Update("num_attempts", task.NumAttempts+1).Error
				if err != nil {
					return fmt.Errorf("failed to bump attempts: %w", err)
				}
				task.NumAttempts++
				if err := ts.transitionTaskTx(tx, task, fsm.TaskInstantiating); err != nil {
					return err
				}
				qb.Instances = append(qb.Instances, ti)
				qb.Commands[ti.ID] = task.Command
			}
			result = &qb
			return nil
		})
	})
	return result, err
}

func batchInstancesTx(tx *gorm.DB, batchID int64) ([]TaskInstance, map[int64]string, error) {
	var instances []TaskInstance
	if err := tx.Where("array_batch_id = ?", batchID).Order("id").Find(&instances).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to list batch instances: %w", err)
	}
	commands := make(map[int64]string, len(instances))
	for _, ti := range instances {
		var task Task
		if err := tx.First(&task, ti.TaskID).Error; err != nil {
			return nil, nil, fmt.Errorf("failed to read task: %w", err)
		}
		commands[ti.ID] = task.Command
	}
	return instances, commands, nil
}

// TransitionBatchToLaunched bulk-moves instantiated instances to launched,
// stamping the distributor's batch id on the batch row.
func (ts *TransitionService) TransitionBatchToLaunched(ctx context.Context, arrayID int64, tiIDs []int64, distributorBatchID string, workflowRunID int64) (int, error) {
	launched := 0
	err := ts.withRetry(func() error {
		launched = 0
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := ts.requireCurrentRunTx(tx, workflowRunID); err != nil {
				return err
			}
			err := tx.Model(&ArrayBatch{}).
				Where("array_id = ? AND id IN (SELECT array_batch_id FROM task_instances WHERE id IN ?)", arrayID, tiIDs).
				Update("distributor_batch_id", distributorBatchID).Error
			if err != nil {
				return fmt.Errorf("failed to stamp distributor batch id: %w", err)
			}
			for _, id := range tiIDs {
				ti, err := lockTaskInstance(tx, id)
				if err != nil {
					return err
				}
				if ti.Status == fsm.TILaunched {
					continue // idempotent repeat
				}
				if _, err := ts.transitionTaskInstanceTx(tx, ti, fsm.TILaunched, TransitionContext{}); err != nil {
					return err
				}
				task, err := lockTask(tx, ti.TaskID)
				if err != nil {
					return err
				}
				if task.Status == fsm.TaskInstantiating {
					if err := ts.transitionTaskTx(tx, task, fsm.TaskLaunched); err != nil {
						return err
					}
				}
				launched++
			}
			return nil
		})
	})
	return launched, err
}

// LogDistributorID records the scheduler's per-instance id.
func (ts *TransitionService) LogDistributorID(ctx context.Context, tiID int64, distributorID string) error {
	err := ts.store.DB.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ?", tiID).Update("distributor_id", distributorID).Error
	if err != nil {
		return fmt.Errorf("failed to log distributor id: %w", err)
	}
	return nil
}

// LogRunning marks an instance running on a node, cascading the task to
// running as well.
func (ts *TransitionService) LogRunning(ctx context.Context, tiID int64, nodeName string, pid int) (*TaskInstance, error) {
	var result *TaskInstance
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ti, err := lockTaskInstance(tx, tiID)
			if err != nil {
				return err
			}
			if err := ts.requireCurrentRunTx(tx, ti.WorkflowRunID); err != nil {
				return err
			}
			if _, err := ts.transitionTaskInstanceTx(tx, ti, fsm.TIRunning, TransitionContext{NodeName: nodeName, ProcessID: pid}); err != nil {
				return err
			}
			task, err := lockTask(tx, ti.TaskID)
			if err != nil {
				return err
			}
			if task.Status == fsm.TaskLaunched || task.Status == fsm.TaskInstantiating {
				if err := ts.transitionTaskTx(tx, task, fsm.TaskRunning); err != nil {
					return err
				}
			}
			result = ti
			return nil
		})
	})
	return result, err
}

// LogTaskInstanceTerminal is the endpoint-facing form of a worker or
// distributor reporting a terminal (or error-classified) instance state.
// Unlike the internal TransitionTaskInstance it validates the calling
// run's lease inside the same transaction, so a superseded run's report is
// rejected atomically.
func (ts *TransitionService) LogTaskInstanceTerminal(ctx context.Context, tiID int64, target fsm.TaskInstanceStatus, tctx TransitionContext) (*TaskInstance, error) {
	var result *TaskInstance
	var events []TaskInstanceEvent
	err := ts.withRetry(func() error {
		events = events[:0]
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ti, err := lockTaskInstance(tx, tiID)
			if err != nil {
				return err
			}
			if err := ts.requireCurrentRunTx(tx, ti.WorkflowRunID); err != nil {
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

// requireCurrentRunTx rejects calls from superseded runs.
func (ts *TransitionService) requireCurrentRunTx(tx *gorm.DB, workflowRunID int64) error {
	var wfr WorkflowRun
	if err := firstLocked(tx, &wfr, workflowRunID, "workflow_run"); err != nil {
		return err
	}
	if !wfr.Status.IsCurrent() {
		return &common.WorkflowRunNotCurrentError{WorkflowRunID: workflowRunID}
	}
	return nil
}

// RequireCurrentRun is the endpoint-facing form of the lease check.
func (ts *TransitionService) RequireCurrentRun(ctx context.Context, workflowRunID int64) error {
	return ts.requireCurrentRunTx(ts.store.DB.WithContext(ctx), workflowRunID)
}

// TaskInstanceHeartbeat advances the instance's next_report_by. Heartbeats
// are monotonic: a stamp never moves backwards.
func (ts *TransitionService) TaskInstanceHeartbeat(ctx context.Context, tiID int64) error {
	now := ts.store.Now()
	reportBy := ts.config.ReportBy(now)
	res := ts.store.DB.WithContext(ctx).Model(&TaskInstance{}).
		Where("id = ? AND next_report_by < ?", tiID, reportBy).
		Update("next_report_by", reportBy)
	if res.Error != nil {
		return fmt.Errorf("failed to heartbeat task instance: %w", res.Error)
	}
	return nil
}

// WorkflowRunHeartbeat advances the run's lease stamps, rejecting beats
// from superseded runs so their controllers stop.
func (ts *TransitionService) WorkflowRunHeartbeat(ctx context.Context, wfrID int64) error {
	return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ts.requireCurrentRunTx(tx, wfrID); err != nil {
			return err
		}
		now := ts.store.Now()
		reportBy := ts.config.ReportBy(now)
		err := tx.Model(&WorkflowRun{}).
			Where("id = ? AND next_report_by < ?", wfrID, reportBy).
			Updates(map[string]interface{}{"heartbeat_date": now, "next_report_by": reportBy}).Error
		if err != nil {
			return fmt.Errorf("failed to heartbeat workflow run: %w", err)
		}
		return nil
	})
}
