// Package reaper implements the server-side liveness scanner: it detects
// workflow runs and task instances whose heartbeats lapsed, drives them to
// terminal states, and rolls up workflows that lost their run. Exactly one
// reaper is active per deployment, elected through a database lease row.
package reaper

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// Config tunes the scanner.
type Config struct {
	// Interval is the pause between scans.
	Interval time.Duration
	// LeaseTTL is how long a claimed lease remains valid without renewal.
	// Must exceed Interval or the singleton flaps.
	LeaseTTL time.Duration
}

// DefaultConfig returns the reaper defaults.
func DefaultConfig() Config {
	return Config{Interval: 60 * time.Second, LeaseTTL: 3 * 60 * time.Second}
}

// Reaper scans for lapsed heartbeats while it holds the singleton lease.
type Reaper struct {
	store       *db.Store
	transitions *db.TransitionService
	config      Config
	owner       string
	logger      *logrus.Entry
}

// New builds a reaper with a fresh lease-owner identity.
func New(store *db.Store, transitions *db.TransitionService, config Config) *Reaper {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.LeaseTTL <= config.Interval {
		config.LeaseTTL = 3 * config.Interval
	}
	owner := uuid.NewString()
	return &Reaper{
		store:       store,
		transitions: transitions,
		config:      config,
		owner:       owner,
		logger:      common.Logger.WithField("component", "reaper").WithField("owner", owner),
	}
}

// Run scans until the context is cancelled. Loss of the lease pauses
// scanning but keeps trying to reclaim: a deployment always converges on
// exactly one active reaper.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		held, err := r.store.ClaimReaperLease(ctx, r.owner, r.config.LeaseTTL)
		if err != nil {
			r.logger.WithError(err).Error("failed to claim reaper lease")
		} else if held {
			r.Scan(ctx)
		} else {
			r.logger.Debug("reaper lease held elsewhere")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Scan performs one full pass. Exported so tests and the CLI can run a
// single deterministic sweep.
func (r *Reaper) Scan(ctx context.Context) {
	r.reapWorkflowRuns(ctx)
	r.reapTaskInstances(ctx)
	r.reapOrphanedWorkflows(ctx)
}

// reapWorkflowRuns times out current runs whose controllers stopped
// heartbeating.
func (r *Reaper) reapWorkflowRuns(ctx context.Context) {
	runs, err := r.store.StaleWorkflowRuns(ctx, r.store.Now())
	if err != nil {
		r.logger.WithError(err).Error("failed to list stale workflow runs")
		return
	}
	for _, run := range runs {
		final, err := r.transitions.ReapWorkflowRun(ctx, run.ID)
		if err != nil {
			r.logger.WithError(err).WithField("workflow_run_id", run.ID).Error("failed to reap workflow run")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"workflow_run_id": run.ID,
			"workflow_id":     run.WorkflowID,
			"final_status":    final,
		}).Info("reaped stale workflow run")
	}
}

// reapTaskInstances drives heartbeat-lapsed instances of superseded runs to
// no-heartbeat, cascading into their tasks.
func (r *Reaper) reapTaskInstances(ctx context.Context) {
	instances, err := r.store.StaleTaskInstances(ctx, r.store.Now())
	if err != nil {
		r.logger.WithError(err).Error("failed to list stale task instances")
		return
	}
	for _, ti := range instances {
		_, err := r.transitions.TransitionTaskInstance(ctx, ti.ID, fsm.TINoHeartbeat, db.TransitionContext{
			ErrorMessage: "task instance heartbeat lapsed",
		})
		if err != nil {
			r.logger.WithError(err).WithField("task_instance_id", ti.ID).Error("failed to reap task instance")
			continue
		}
		r.logger.WithFields(logrus.Fields{
			"task_instance_id": ti.ID,
			"task_id":          ti.TaskID,
		}).Info("reaped stale task instance")
	}
}

// reapOrphanedWorkflows settles workflows that have non-terminal tasks but
// no current run: roll up first, then halt whatever remains unfinished.
func (r *Reaper) reapOrphanedWorkflows(ctx context.Context) {
	workflows, err := r.store.OrphanedWorkflows(ctx)
	if err != nil {
		r.logger.WithError(err).Error("failed to list orphaned workflows")
		return
	}
	for _, wf := range workflows {
		rolled, err := r.transitions.RollUpWorkflow(ctx, wf.ID)
		if err != nil {
			r.logger.WithError(err).WithField("workflow_id", wf.ID).Error("failed to roll up workflow")
			continue
		}
		if rolled.Status == fsm.WFQueued || rolled.Status == fsm.WFRunning {
			if err := r.transitions.SetWorkflowStatus(ctx, wf.ID, fsm.WFHalted); err != nil {
				r.logger.WithError(err).WithField("workflow_id", wf.ID).Error("failed to halt workflow")
				continue
			}
			rolled.Status = fsm.WFHalted
		}
		r.logger.WithFields(logrus.Fields{
			"workflow_id": wf.ID,
			"status":      rolled.Status,
		}).Info("settled orphaned workflow")
	}
}
