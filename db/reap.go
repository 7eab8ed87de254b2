package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// ReapWorkflowRun drives one stale run out of currency. Runs with in-flight
// instances whose scheduler state cannot be recovered are cold-resumed:
// the instances are killed and their tasks prepared for a fresh run, after
// which the run is terminated. Runs with nothing in flight are simply
// halted and stay hot-resumable. Returns the status the run ended in.
func (ts *TransitionService) ReapWorkflowRun(ctx context.Context, wfrID int64) (fsm.WorkflowRunStatus, error) {
	var final fsm.WorkflowRunStatus
	err := ts.withRetry(func() error {
		return ts.store.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var wfr WorkflowRun
			if err := firstLocked(tx, &wfr, wfrID, "workflow_run"); err != nil {
				return err
			}
			if !wfr.Status.IsCurrent() {
				// Another reaper or a resume got here first.
				final = wfr.Status
				return nil
			}

			var inFlight int64
			err := tx.Model(&TaskInstance{}).
				Where("workflow_run_id = ? AND status IN ?", wfr.ID, statusStrings([]fsm.TaskInstanceStatus{
					fsm.TIInstantiated, fsm.TILaunched, fsm.TIRunning,
				})).
				Count(&inFlight).Error
			if err != nil {
				return fmt.Errorf("failed to count in-flight instances: %w", err)
			}

			if inFlight == 0 {
				if err := ts.updateRunStatusTx(tx, &wfr, fsm.WFRHalted); err != nil {
					return err
				}
				final = fsm.WFRHalted
				return nil
			}

			if err := ts.updateRunStatusTx(tx, &wfr, fsm.WFRColdResume); err != nil {
				return err
			}
			if err := ts.killRunInstancesTx(tx, &wfr); err != nil {
				return err
			}
			if err := ts.updateRunStatusTx(tx, &wfr, fsm.WFRTerminated); err != nil {
				return err
			}
			final = fsm.WFRTerminated
			return nil
		})
	})
	return final, err
}

func (ts *TransitionService) updateRunStatusTx(tx *gorm.DB, wfr *WorkflowRun, target fsm.WorkflowRunStatus) error {
	if !wfr.Status.CanTransitionTo(target) {
		return fmt.Errorf("reaper cannot move run %d from %s to %s", wfr.ID, wfr.Status, target)
	}
	now := ts.store.Now()
	err := tx.Model(&WorkflowRun{}).Where("id = ?", wfr.ID).
		Updates(map[string]interface{}{"status": target, "status_date": now}).Error
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	wfr.Status = target
	wfr.StatusDate = now
	return nil
}
