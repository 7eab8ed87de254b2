package resource

import (
	"fmt"
)

// FailureClass classifies a resource-related task-instance failure.
type FailureClass string

const (
	FailureMemoryExceeded  FailureClass = "memory_exceeded"
	FailureRuntimeExceeded FailureClass = "runtime_exceeded"
	FailureOther           FailureClass = "other"
)

// DefaultScaleFactor multiplies the exceeded dimension on retry when no
// custom rule is configured.
const DefaultScaleFactor = 1.5

// ScalingRule describes how resources grow across attempts. Exactly one of
// the fields is set; all-zero means the default factor. Custom callables are
// a client-side concern: clients evaluate them before submission and ship
// the result as the materialized Table.
type ScalingRule struct {
	// Factor multiplies the exceeded dimension each retry.
	Factor float64 `json:"factor,omitempty"`

	// Sequence is consumed positionally by attempt index (attempt 2 reads
	// Sequence[0]). Past its end the last entry repeats.
	Sequence []ComputeResources `json:"sequence,omitempty"`

	// Table maps attempt number to an explicit request, pre-materialized by
	// the client from a user callable.
	Table map[int]ComputeResources `json:"table,omitempty"`
}

// Adjustment is the outcome of one policy evaluation.
type Adjustment struct {
	Next ComputeResources
	// NoFit is set when the scaled request cannot be placed on the current
	// queue and the fallback list is exhausted; the task must go fatal.
	NoFit bool
	// Reason is "no_fit" when NoFit is set, empty otherwise.
	Reason string
}

// QueueLookup resolves a queue name to its limits. Unknown queues report ok
// false and are treated as unbounded.
type QueueLookup func(name string) (QueueLimits, bool)

// Adjust computes the next attempt's resource request. It is a pure
// function of its inputs: the same (current, class, rule, fallbacks,
// attempt) tuple always yields the same output, so a resumed workflow run
// reconstructs the exact same retry ladder.
//
// attempt is the 1-based index of the attempt that just failed; the result
// is the request for attempt+1.
func Adjust(current ComputeResources, class FailureClass, rule ScalingRule, fallbackQueues []string, attempt int, queues QueueLookup) Adjustment {
	next := scale(current, class, rule, attempt)

	// Walk the current queue then the fallback ladder until the scaled
	// request fits somewhere.
	candidates := append([]string{current.Queue}, fallbackQueues...)
	for _, name := range candidates {
		limits, ok := queues(name)
		if !ok {
			// Unknown queue: accept as-is, the scheduler is authoritative.
			next.Queue = name
			return Adjustment{Next: next}
		}
		if limits.Fits(next) {
			next.Queue = name
			return Adjustment{Next: next}
		}
	}

	return Adjustment{NoFit: true, Reason: "no_fit"}
}

// scale applies the rule to the failed dimension without consulting queues.
func scale(current ComputeResources, class FailureClass, rule ScalingRule, attempt int) ComputeResources {
	if len(rule.Table) > 0 {
		if r, ok := rule.Table[attempt+1]; ok {
			return r
		}
		return current
	}
	if len(rule.Sequence) > 0 {
		idx := attempt - 1
		if idx >= len(rule.Sequence) {
			idx = len(rule.Sequence) - 1
		}
		return rule.Sequence[idx]
	}

	factor := rule.Factor
	if factor <= 0 {
		factor = DefaultScaleFactor
	}

	next := current
	switch class {
	case FailureMemoryExceeded:
		next.MemoryBytes = int64(float64(current.MemoryBytes) * factor)
	case FailureRuntimeExceeded:
		next.RuntimeSeconds = int64(float64(current.RuntimeSeconds) * factor)
	case FailureOther:
		// Non-resource failures repeat the current request unchanged.
	}
	return next
}

// Fingerprint canonicalizes the request into the batch key used by the run
// controller: tasks sharing a fingerprint are submitted as one job array.
func (r ComputeResources) Fingerprint() string {
	return fmt.Sprintf("mem=%d:rt=%d:cores=%d:q=%s", r.MemoryBytes, r.RuntimeSeconds, r.Cores, r.Queue)
}
