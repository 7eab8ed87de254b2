// Package distributor implements the reference "multiprocess" scheduler
// adapter: an external collaborator that polls the coordinator endpoints
// for instantiated task instances, runs their commands locally through a
// worker pool, and reports launch, running, heartbeat and terminal states
// back to the server. Production deployments replace this with a plugin
// for a real batch scheduler behind the same protocol.
package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ihmeuw-scicomp/jobmon/client"
	"github.com/ihmeuw-scicomp/jobmon/common"
	"github.com/ihmeuw-scicomp/jobmon/executor"
	"github.com/ihmeuw-scicomp/jobmon/resource"
	"github.com/ihmeuw-scicomp/jobmon/worker"
)

// Config tunes the distributor.
type Config struct {
	// PollInterval is the pause between work polls.
	PollInterval time.Duration
	// Workers bounds concurrent local executions.
	Workers int
	// HeartbeatInterval is how often running instances beat.
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the distributor defaults.
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, Workers: 4, HeartbeatInterval: 30 * time.Second}
}

// Distributor polls for work and executes it locally.
type Distributor struct {
	client   *client.Client
	config   Config
	pool     *worker.Pool
	exec     *executor.CommandExecutor
	nodeName string
	logger   *logrus.Entry

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// New builds a distributor against one server.
func New(apiClient *client.Client, config Config) *Distributor {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	hostname, _ := os.Hostname()
	d := &Distributor{
		client:   apiClient,
		config:   config,
		exec:     executor.NewCommandExecutor(),
		nodeName: hostname,
		logger:   common.Logger.WithField("component", "distributor"),
		inFlight: map[int64]struct{}{},
	}
	d.pool = worker.NewPool(config.Workers, d)
	return d
}

// Run polls until the context is cancelled.
func (d *Distributor) Run(ctx context.Context) error {
	d.pool.Start(ctx)
	defer d.pool.Stop()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := d.poll(ctx); err != nil {
			d.logger.WithError(err).Warn("poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// poll fetches pending instances, acknowledges each batch as launched, and
// hands the instances to the pool.
func (d *Distributor) poll(ctx context.Context) error {
	pending, err := d.client.PendingTaskInstances(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	// Group by (array, server batch) so one launch report covers the whole
	// submission, mirroring a job-array accept.
	type batchRef struct {
		arrayID int64
		batchID int64
		runID   int64
	}
	batches := map[batchRef][]client.PendingTaskInstance{}
	for _, ti := range pending {
		if d.busy(ti.TaskInstanceID) {
			continue
		}
		ref := batchRef{arrayID: ti.ArrayID, batchID: ti.ArrayBatchID, runID: ti.WorkflowRunID}
		batches[ref] = append(batches[ref], ti)
	}

	for ref, instances := range batches {
		distributorBatchID := uuid.NewString()
		ids := make([]int64, 0, len(instances))
		for _, ti := range instances {
			ids = append(ids, ti.TaskInstanceID)
		}
		err := d.client.TransitionToLaunched(ctx, ref.arrayID, ids, distributorBatchID, ref.runID)
		if err != nil {
			var apiErr *client.APIError
			if errors.As(err, &apiErr) && apiErr.IsNotCurrent() {
				d.logger.WithField("workflow_run_id", ref.runID).Warn("run superseded, dropping batch")
				continue
			}
			return err
		}
		for i, ti := range instances {
			if err := d.client.LogDistributorID(ctx, ti.TaskInstanceID, fmt.Sprintf("%s.%d", distributorBatchID, i+1)); err != nil {
				d.logger.WithError(err).Warn("failed to log distributor id")
			}
			d.track(ti.TaskInstanceID)
			if !d.pool.Submit(ctx, ti) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// Process runs one instance: report running, execute with heartbeats,
// classify the outcome. Implements worker.Processor.
func (d *Distributor) Process(ctx context.Context, job interface{}) error {
	ti, ok := job.(client.PendingTaskInstance)
	if !ok {
		return fmt.Errorf("unexpected job type %T", job)
	}
	defer d.untrack(ti.TaskInstanceID)

	logger := d.logger.WithField("task_instance_id", ti.TaskInstanceID)
	if err := d.client.LogRunning(ctx, ti.TaskInstanceID, d.nodeName, os.Getpid()); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.IsNotCurrent() {
			logger.Warn("run superseded before start")
			return nil
		}
		return err
	}

	var limit time.Duration
	var res resource.ComputeResources
	if ti.Resources != "" {
		if err := json.Unmarshal([]byte(ti.Resources), &res); err == nil && res.RuntimeSeconds > 0 {
			limit = time.Duration(res.RuntimeSeconds) * time.Second
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go d.heartbeat(hbCtx, ti.TaskInstanceID)

	result, err := d.exec.Execute(ctx, ti.Command, limit)
	stopHeartbeat()
	if err != nil {
		logger.WithError(err).Error("failed to launch command")
		return d.client.LogError(ctx, ti.TaskInstanceID, err.Error())
	}

	switch result.Status {
	case executor.StatusCompleted:
		return d.client.LogDone(ctx, ti.TaskInstanceID, result.WallclockSecs, 0)
	case executor.StatusTimedOut:
		msg := fmt.Sprintf("runtime limit exceeded after %ds", result.WallclockSecs)
		return d.client.LogResourceError(ctx, ti.TaskInstanceID, msg, string(resource.FailureRuntimeExceeded))
	default:
		msg := fmt.Sprintf("command exited %d: %s", result.ExitCode, result.Output)
		return d.client.LogError(ctx, ti.TaskInstanceID, msg)
	}
}

// JobID implements worker.Processor.
func (d *Distributor) JobID(job interface{}) string {
	if ti, ok := job.(client.PendingTaskInstance); ok {
		return fmt.Sprintf("task_instance:%d", ti.TaskInstanceID)
	}
	return "unknown"
}

func (d *Distributor) busy(tiID int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inFlight[tiID]
	return ok
}

func (d *Distributor) track(tiID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[tiID] = struct{}{}
}

func (d *Distributor) untrack(tiID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, tiID)
}

func (d *Distributor) heartbeat(ctx context.Context, tiID int64) {
	ticker := time.NewTicker(d.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.client.TaskInstanceHeartbeat(ctx, tiID); err != nil {
				d.logger.WithError(err).WithField("task_instance_id", tiID).Warn("heartbeat failed")
			}
		}
	}
}
