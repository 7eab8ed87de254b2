// Package fsm defines the status model for workflows, workflow runs, tasks
// and task instances: the status codes and their legal-transition tables.
// The transition service that mutates status columns is db.TransitionService.
// Statuses are single ASCII characters on the wire and in the database.
package fsm

// TaskInstanceStatus is the status of one execution attempt on the cluster.
type TaskInstanceStatus string

const (
	TIQueued       TaskInstanceStatus = "Q" // accepted into a submission batch
	TIInstantiated TaskInstanceStatus = "I" // created, awaiting distributor pickup
	TILaunched     TaskInstanceStatus = "O" // handed to the scheduler
	TIRunning      TaskInstanceStatus = "R" // running on a worker node
	TIDone         TaskInstanceStatus = "D" // finished successfully
	TIError        TaskInstanceStatus = "E" // failed, retriable
	TIResourceErr  TaskInstanceStatus = "Z" // killed on a resource limit, retriable after adjustment
	TINoHeartbeat  TaskInstanceStatus = "X" // heartbeat lapsed, presumed dead
	TIUnknownErr   TaskInstanceStatus = "U" // scheduler lost track of the job
	TIKillSelf     TaskInstanceStatus = "K" // told to die by a cold resume
	TIErrorFatal   TaskInstanceStatus = "F" // failed, no retry
)

// taskInstanceTransitions is the legal edge set of the task-instance machine.
var taskInstanceTransitions = map[TaskInstanceStatus][]TaskInstanceStatus{
	TIQueued:       {TIInstantiated, TIKillSelf},
	TIInstantiated: {TILaunched, TINoHeartbeat, TIKillSelf, TIError},
	TILaunched:     {TIRunning, TINoHeartbeat, TIKillSelf, TIError, TIResourceErr, TIUnknownErr},
	TIRunning:      {TIDone, TIError, TIResourceErr, TINoHeartbeat, TIUnknownErr, TIKillSelf},
	TIError:        {TIErrorFatal},
	TIResourceErr:  {TIErrorFatal},
	TINoHeartbeat:  {TIErrorFatal},
	TIUnknownErr:   {TIErrorFatal},
	TIKillSelf:     {TIErrorFatal},
	// D and F are terminal.
}

// IsTerminal reports whether no further transition may leave the status.
func (s TaskInstanceStatus) IsTerminal() bool {
	return s == TIDone || s == TIErrorFatal
}

// IsErrorState reports a non-terminal failure classification awaiting
// cascade into the parent task.
func (s TaskInstanceStatus) IsErrorState() bool {
	switch s {
	case TIError, TIResourceErr, TINoHeartbeat, TIUnknownErr, TIKillSelf:
		return true
	}
	return false
}

// CanTransitionTo validates one edge.
func (s TaskInstanceStatus) CanTransitionTo(target TaskInstanceStatus) bool {
	for _, t := range taskInstanceTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// TaskStatus is the status of one task within a workflow.
type TaskStatus string

const (
	TaskRegistering TaskStatus = "G" // bound, upstream dependencies incomplete
	TaskQueued      TaskStatus = "Q" // dependencies done, eligible for submission
	TaskInstantiating TaskStatus = "I" // current attempt created
	TaskLaunched    TaskStatus = "O" // current attempt handed to the scheduler
	TaskRunning     TaskStatus = "R" // current attempt running
	TaskDone        TaskStatus = "D" // finished successfully
	TaskErrorRecoverable TaskStatus = "E" // attempt failed, retries remain
	TaskAdjusting   TaskStatus = "A" // resource failure, next request being scaled
	TaskErrorFatal  TaskStatus = "F" // failed permanently
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskRegistering:      {TaskQueued, TaskErrorFatal},
	TaskQueued:           {TaskInstantiating, TaskErrorFatal},
	TaskInstantiating:    {TaskLaunched, TaskErrorRecoverable, TaskAdjusting, TaskErrorFatal, TaskQueued},
	TaskLaunched:         {TaskRunning, TaskErrorRecoverable, TaskAdjusting, TaskErrorFatal},
	TaskRunning:          {TaskDone, TaskErrorRecoverable, TaskAdjusting, TaskErrorFatal},
	TaskErrorRecoverable: {TaskQueued, TaskErrorFatal, TaskAdjusting},
	TaskAdjusting:        {TaskQueued, TaskErrorFatal},
	// D and F are terminal.
}

// IsTerminal reports whether the task is frozen.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskDone || s == TaskErrorFatal
}

// IsActive reports whether the task currently holds a live attempt. Used by
// the concurrency-cap accounting.
func (s TaskStatus) IsActive() bool {
	return s == TaskInstantiating || s == TaskLaunched || s == TaskRunning
}

// CanTransitionTo validates one edge.
func (s TaskStatus) CanTransitionTo(target TaskStatus) bool {
	for _, t := range taskTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// WorkflowRunStatus is the status of one execution attempt of a workflow.
type WorkflowRunStatus string

const (
	WFRRegistered WorkflowRunStatus = "G" // created, controller not yet attached
	WFRLinking    WorkflowRunStatus = "L" // controller attaching, superseding prior runs
	WFRRunning    WorkflowRunStatus = "R" // controller driving the workflow
	WFRDone       WorkflowRunStatus = "D" // workflow rolled up done
	WFRError      WorkflowRunStatus = "E" // workflow rolled up failed
	WFRHalted     WorkflowRunStatus = "H" // stopped with in-flight work preserved; hot-resumable
	WFRColdResume WorkflowRunStatus = "C" // superseded, in-flight work being killed
	WFRTerminated WorkflowRunStatus = "T" // cold-resume cleanup finished
)

var workflowRunTransitions = map[WorkflowRunStatus][]WorkflowRunStatus{
	WFRRegistered: {WFRLinking, WFRRunning, WFRHalted, WFRColdResume, WFRError},
	WFRLinking:    {WFRRunning, WFRHalted, WFRColdResume, WFRError},
	WFRRunning:    {WFRDone, WFRError, WFRHalted, WFRColdResume},
	WFRHalted:     {WFRColdResume, WFRTerminated},
	WFRColdResume: {WFRTerminated},
	// D, E and T are terminal.
}

// IsTerminal reports whether the run can never change status again.
func (s WorkflowRunStatus) IsTerminal() bool {
	return s == WFRDone || s == WFRError || s == WFRTerminated
}

// IsCurrent reports whether the run still owns the workflow lease. A halted
// or cold-resume run has been superseded even though it is not terminal.
func (s WorkflowRunStatus) IsCurrent() bool {
	return s == WFRRegistered || s == WFRLinking || s == WFRRunning
}

// CanTransitionTo validates one edge.
func (s WorkflowRunStatus) CanTransitionTo(target WorkflowRunStatus) bool {
	for _, t := range workflowRunTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// WorkflowStatus is the monoidal roll-up of task statuses.
type WorkflowStatus string

const (
	WFRegistering WorkflowStatus = "G" // bound, no run started
	WFQueued      WorkflowStatus = "Q" // run open, nothing active yet
	WFRunning     WorkflowStatus = "R" // at least one task making progress
	WFHalted      WorkflowStatus = "H" // no current run, non-terminal tasks remain
	WFFailed      WorkflowStatus = "F" // at least one fatal task, none in progress
	WFDone        WorkflowStatus = "D" // every task done
)

var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WFRegistering: {WFQueued, WFRunning, WFHalted, WFFailed, WFDone},
	WFQueued:      {WFRunning, WFHalted, WFFailed, WFDone},
	WFRunning:     {WFQueued, WFHalted, WFFailed, WFDone},
	WFHalted:      {WFQueued, WFRunning, WFFailed, WFDone},
	WFFailed:      {WFQueued, WFRunning},
	// D is terminal: a workflow with every task done never reopens.
}

// IsTerminal reports whether the workflow is done. Failed workflows may be
// resumed, so F is not terminal at workflow scope.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WFDone
}

// CanTransitionTo validates one edge.
func (s WorkflowStatus) CanTransitionTo(target WorkflowStatus) bool {
	for _, t := range workflowTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}
