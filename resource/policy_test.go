package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func unboundedQueues(name string) (QueueLimits, bool) {
	return QueueLimits{}, false
}

func queueTable(queues ...QueueLimits) QueueLookup {
	byName := map[string]QueueLimits{}
	for _, q := range queues {
		byName[q.Name] = q
	}
	return func(name string) (QueueLimits, bool) {
		q, ok := byName[name]
		return q, ok
	}
}

func TestAdjustDefaultScaling(t *testing.T) {
	current := ComputeResources{MemoryBytes: 4 << 30, RuntimeSeconds: 600, Cores: 2, Queue: "all.q"}

	memory := Adjust(current, FailureMemoryExceeded, ScalingRule{}, nil, 1, unboundedQueues)
	assert.False(t, memory.NoFit)
	assert.Equal(t, int64(float64(4<<30)*1.5), memory.Next.MemoryBytes)
	assert.Equal(t, int64(600), memory.Next.RuntimeSeconds, "only the exceeded dimension scales")

	runtime := Adjust(current, FailureRuntimeExceeded, ScalingRule{}, nil, 1, unboundedQueues)
	assert.Equal(t, int64(900), runtime.Next.RuntimeSeconds)
	assert.Equal(t, int64(4<<30), runtime.Next.MemoryBytes)

	other := Adjust(current, FailureOther, ScalingRule{}, nil, 1, unboundedQueues)
	assert.Equal(t, current.MemoryBytes, other.Next.MemoryBytes)
	assert.Equal(t, current.RuntimeSeconds, other.Next.RuntimeSeconds)
}

func TestAdjustDeterminism(t *testing.T) {
	current := ComputeResources{MemoryBytes: 8 << 30, RuntimeSeconds: 100, Queue: "long.q"}
	rule := ScalingRule{Factor: 2.0}
	first := Adjust(current, FailureMemoryExceeded, rule, []string{"huge.q"}, 3, unboundedQueues)
	for i := 0; i < 16; i++ {
		again := Adjust(current, FailureMemoryExceeded, rule, []string{"huge.q"}, 3, unboundedQueues)
		assert.Equal(t, first, again, "the retry ladder must be reproducible")
	}
}

func TestAdjustSequenceRule(t *testing.T) {
	seq := []ComputeResources{
		{MemoryBytes: 2 << 30, Queue: "all.q"},
		{MemoryBytes: 16 << 30, Queue: "all.q"},
	}
	current := ComputeResources{MemoryBytes: 1 << 30, Queue: "all.q"}

	first := Adjust(current, FailureMemoryExceeded, ScalingRule{Sequence: seq}, nil, 1, unboundedQueues)
	assert.Equal(t, int64(2<<30), first.Next.MemoryBytes)

	second := Adjust(current, FailureMemoryExceeded, ScalingRule{Sequence: seq}, nil, 2, unboundedQueues)
	assert.Equal(t, int64(16<<30), second.Next.MemoryBytes)

	// Past the end the last entry repeats.
	fifth := Adjust(current, FailureMemoryExceeded, ScalingRule{Sequence: seq}, nil, 5, unboundedQueues)
	assert.Equal(t, int64(16<<30), fifth.Next.MemoryBytes)
}

func TestAdjustMaterializedTable(t *testing.T) {
	rule := ScalingRule{Table: map[int]ComputeResources{
		2: {MemoryBytes: 10 << 30, Queue: "all.q"},
	}}
	current := ComputeResources{MemoryBytes: 1 << 30, Queue: "all.q"}

	adj := Adjust(current, FailureMemoryExceeded, rule, nil, 1, unboundedQueues)
	assert.Equal(t, int64(10<<30), adj.Next.MemoryBytes, "attempt 2 reads the table entry")

	missing := Adjust(current, FailureMemoryExceeded, rule, nil, 2, unboundedQueues)
	assert.Equal(t, current.MemoryBytes, missing.Next.MemoryBytes, "missing entries repeat current")
}

func TestAdjustFallbackLadder(t *testing.T) {
	lookup := queueTable(
		QueueLimits{Name: "short.q", MaxRuntimeSeconds: 600},
		QueueLimits{Name: "long.q", MaxRuntimeSeconds: 86400},
	)
	current := ComputeResources{RuntimeSeconds: 500, Queue: "short.q"}

	adj := Adjust(current, FailureRuntimeExceeded, ScalingRule{}, []string{"long.q"}, 1, lookup)
	assert.False(t, adj.NoFit)
	assert.Equal(t, "long.q", adj.Next.Queue, "scaled runtime advances to the fallback queue")
	assert.Equal(t, int64(750), adj.Next.RuntimeSeconds)
}

func TestAdjustNoFit(t *testing.T) {
	lookup := queueTable(QueueLimits{Name: "short.q", MaxRuntimeSeconds: 600})
	current := ComputeResources{RuntimeSeconds: 500, Queue: "short.q"}

	adj := Adjust(current, FailureRuntimeExceeded, ScalingRule{}, nil, 1, lookup)
	assert.True(t, adj.NoFit)
	assert.Equal(t, "no_fit", adj.Reason)
}

func TestQueueLimits(t *testing.T) {
	q := QueueLimits{Name: "all.q", MaxMemoryBytes: 8 << 30, MaxRuntimeSeconds: 3600, MaxCores: 16}
	assert.True(t, q.Fits(ComputeResources{MemoryBytes: 8 << 30, RuntimeSeconds: 3600, Cores: 16}))
	assert.False(t, q.Fits(ComputeResources{MemoryBytes: 9 << 30}))

	clamped := q.Clamp(ComputeResources{MemoryBytes: 100 << 30, RuntimeSeconds: 60, Cores: 32})
	assert.Equal(t, int64(8<<30), clamped.MemoryBytes)
	assert.Equal(t, int64(60), clamped.RuntimeSeconds)
	assert.Equal(t, 16, clamped.Cores)
}

func TestFingerprint(t *testing.T) {
	a := ComputeResources{MemoryBytes: 1 << 30, RuntimeSeconds: 60, Cores: 1, Queue: "all.q"}
	b := ComputeResources{MemoryBytes: 1 << 30, RuntimeSeconds: 60, Cores: 1, Queue: "all.q"}
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	b.Queue = "long.q"
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}
