// Package swarm drives one workflow run: it computes the eligible task set,
// queues submission batches for the distributor, observes terminal events
// and exits when the workflow rolls up terminal. One controller runs per
// workflow run; controllers for different runs are isolated. Correctness
// does not depend on exclusivity: transition validation plus the heartbeat
// lease make a superseded controller stop on its first rejected call.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/db"
	"github.com/ihmeuw-scicomp/jobmon/fsm"
)

// Config tunes one controller.
type Config struct {
	// PollInterval is the pause between status polls. A jitter of up to
	// 25% is added so synchronized controllers spread their load.
	PollInterval time.Duration

	// Timeout bounds the controller's lifetime (seconds_until_timeout).
	// Zero means no timeout. On expiry the run is halted cleanly and
	// in-flight instances are left for the reaper.
	Timeout time.Duration

	// FailFast exits on the first fatal task.
	FailFast bool
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 10 * time.Second}
}

// Controller is the per-run driver loop.
type Controller struct {
	store       *db.Store
	transitions *db.TransitionService
	workflowID  int64
	runID       int64
	config      Config
	events      <-chan db.TaskInstanceEvent
	logger      *logrus.Entry
}

// New builds a controller for an open workflow run. events may be nil; the
// controller then relies on polling alone.
func New(store *db.Store, transitions *db.TransitionService, workflowID, runID int64, config Config, events <-chan db.TaskInstanceEvent) *Controller {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	return &Controller{
		store:       store,
		transitions: transitions,
		workflowID:  workflowID,
		runID:       runID,
		config:      config,
		events:      events,
		logger: common.RunContext{WorkflowID: workflowID, WorkflowRunID: runID}.
			LogEntry().WithField("component", "swarm"),
	}
}

// Run attaches to the workflow run and drives it until the workflow rolls
// up terminal, the timeout elapses, or the lease is lost. It returns the
// final workflow status it observed.
func (c *Controller) Run(ctx context.Context) (fsm.WorkflowStatus, error) {
	if _, err := c.transitions.TransitionWorkflowRun(ctx, c.runID, fsm.WFRLinking); err != nil {
		return "", fmt.Errorf("failed to link controller: %w", err)
	}
	if _, err := c.transitions.TransitionWorkflowRun(ctx, c.runID, fsm.WFRRunning); err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}

	// Queue the initial fringe: tasks with no incomplete upstreams. After
	// this, edge-triggered activation inside the transition service takes
	// over.
	if n, err := c.transitions.ReadyFringe(ctx, c.workflowID); err != nil {
		return "", err
	} else if n > 0 {
		c.logger.WithField("queued", n).Info("queued initial fringe")
	}

	// Settle the roll-up before the first poll: an empty dag (or a resume
	// whose tasks already finished) is terminal immediately.
	if _, err := c.transitions.RollUpWorkflow(ctx, c.workflowID); err != nil {
		return "", err
	}

	var deadline <-chan time.Time
	if c.config.Timeout > 0 {
		timer := time.NewTimer(c.config.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		if err := c.transitions.WorkflowRunHeartbeat(ctx, c.runID); err != nil {
			var notCurrent *common.WorkflowRunNotCurrentError
			if errors.As(err, &notCurrent) {
				c.logger.Warn("lease revoked, another run took over")
				return "", err
			}
			return "", err
		}

		status, finished, err := c.step(ctx)
		if err != nil {
			return "", err
		}
		if finished {
			return status, nil
		}

		select {
		case <-ctx.Done():
			c.halt(ctx)
			return status, ctx.Err()
		case <-deadline:
			c.logger.Warn("controller timeout elapsed, halting run")
			c.halt(ctx)
			return status, nil
		case <-c.eventOrTick():
		}
	}
}

// step performs one poll: roll the workflow forward, check exit criteria,
// queue what is eligible.
func (c *Controller) step(ctx context.Context) (fsm.WorkflowStatus, bool, error) {
	wf, err := c.store.GetWorkflow(ctx, c.workflowID)
	if err != nil {
		return "", false, err
	}

	switch wf.Status {
	case fsm.WFDone:
		if _, err := c.transitions.TransitionWorkflowRun(ctx, c.runID, fsm.WFRDone); err != nil {
			return wf.Status, false, err
		}
		c.logger.Info("workflow done")
		return wf.Status, true, nil
	case fsm.WFFailed:
		if _, err := c.transitions.TransitionWorkflowRun(ctx, c.runID, fsm.WFRError); err != nil {
			return wf.Status, false, err
		}
		c.logger.Warn("workflow failed")
		return wf.Status, true, nil
	}

	if c.config.FailFast {
		counts, err := c.store.TaskStatusCounts(ctx, c.workflowID)
		if err != nil {
			return wf.Status, false, err
		}
		if counts[fsm.TaskErrorFatal] > 0 {
			c.logger.Warn("fail-fast: fatal task observed, halting run")
			c.halt(ctx)
			return wf.Status, true, nil
		}
	}

	if err := c.queueEligible(ctx, wf); err != nil {
		return wf.Status, false, err
	}
	return wf.Status, false, nil
}

// submissionBatch groups eligible tasks that share an array and a resource
// fingerprint, preserving the submit-as-a-job-array property.
type submissionBatch struct {
	arrayID int64
	taskIDs []int64
	key     string
}

// queueEligible computes the eligible set under the workflow and array
// concurrency caps and queues one batch per (array, fingerprint) group.
func (c *Controller) queueEligible(ctx context.Context, wf *db.Workflow) error {
	batches, err := c.eligibleBatches(ctx, wf)
	if err != nil {
		return err
	}
	for _, b := range batches {
		qb, err := c.transitions.QueueTaskBatch(ctx, b.arrayID, b.key, b.taskIDs, c.runID)
		if err != nil {
			var notCurrent *common.WorkflowRunNotCurrentError
			if errors.As(err, &notCurrent) {
				return err
			}
			// A lost race within one batch is survivable; retry next poll.
			c.logger.WithError(err).Warn("failed to queue batch")
			continue
		}
		c.logger.WithFields(logrus.Fields{
			"array_id":  b.arrayID,
			"batch_key": b.key,
			"instances": len(qb.Instances),
		}).Info("queued task batch")
	}
	return nil
}

// eligibleBatches applies the concurrency caps to the queued tasks in
// stable id order and groups the admitted set.
func (c *Controller) eligibleBatches(ctx context.Context, wf *db.Workflow) ([]submissionBatch, error) {
	queued, err := c.store.TasksByStatus(ctx, c.workflowID, fsm.TaskQueued)
	if err != nil {
		return nil, err
	}
	if len(queued) == 0 {
		return nil, nil
	}

	wfActive, err := c.store.ActiveTaskCount(ctx, c.workflowID, 0)
	if err != nil {
		return nil, err
	}
	capacity := wf.MaxConcurrentlyRunning - wfActive
	if capacity <= 0 {
		return nil, nil
	}

	arrayActive := map[int64]int{}
	arrayCap := map[int64]int{}
	admitted := map[string]*submissionBatch{}
	var order []string

	for _, task := range queued {
		if capacity <= 0 {
			break
		}
		if _, ok := arrayCap[task.ArrayID]; !ok {
			arr, err := c.store.GetArray(ctx, task.ArrayID)
			if err != nil {
				return nil, err
			}
			active, err := c.store.ActiveTaskCount(ctx, c.workflowID, task.ArrayID)
			if err != nil {
				return nil, err
			}
			arrayCap[task.ArrayID] = arr.MaxConcurrentlyRunning
			arrayActive[task.ArrayID] = active
		}
		if limit := arrayCap[task.ArrayID]; limit > 0 && arrayActive[task.ArrayID] >= limit {
			continue
		}

		res, err := task.CurrentResources()
		if err != nil {
			return nil, fmt.Errorf("failed to decode resources for task %d: %w", task.ID, err)
		}
		groupKey := fmt.Sprintf("%d|%s", task.ArrayID, res.Fingerprint())
		b, ok := admitted[groupKey]
		if !ok {
			b = &submissionBatch{arrayID: task.ArrayID}
			admitted[groupKey] = b
			order = append(order, groupKey)
		}
		b.taskIDs = append(b.taskIDs, task.ID)
		arrayActive[task.ArrayID]++
		capacity--
	}

	batches := make([]submissionBatch, 0, len(order))
	for _, k := range order {
		b := admitted[k]
		sort.Slice(b.taskIDs, func(i, j int) bool { return b.taskIDs[i] < b.taskIDs[j] })
		b.key = batchKey(k, b.taskIDs)
		batches = append(batches, *b)
	}
	return batches, nil
}

// batchKey derives the idempotency key from the group and its member ids,
// so a retried submission of the same set lands on the same batch row.
func batchKey(groupKey string, taskIDs []int64) string {
	payload := groupKey
	for _, id := range taskIDs {
		payload += fmt.Sprintf(",%d", id)
	}
	return db.HashString(payload)
}

// halt cleanly stops the run; in-flight instances are left for the reaper.
// Runs on its own context so a cancelled caller can still halt cleanly.
func (c *Controller) halt(ctx context.Context) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if _, err := c.transitions.TransitionWorkflowRun(ctx, c.runID, fsm.WFRHalted); err != nil {
		c.logger.WithError(err).Warn("failed to halt run")
	}
}

// eventOrTick waits for the jittered poll interval or a pushed terminal
// event, whichever comes first.
func (c *Controller) eventOrTick() <-chan struct{} {
	out := make(chan struct{}, 1)
	jitter := time.Duration(rand.Int63n(int64(c.config.PollInterval)/4 + 1))
	timer := time.NewTimer(c.config.PollInterval + jitter)
	go func() {
		defer timer.Stop()
		if c.events == nil {
			<-timer.C
			out <- struct{}{}
			return
		}
		select {
		case <-timer.C:
		case <-c.events:
		}
		out <- struct{}{}
	}()
	return out
}
