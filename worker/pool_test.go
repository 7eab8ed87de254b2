package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type countingProcessor struct {
	mu        sync.Mutex
	processed []string
	failOn    string
}

func (p *countingProcessor) Process(ctx context.Context, job interface{}) error {
	id := p.JobID(job)
	p.mu.Lock()
	p.processed = append(p.processed, id)
	p.mu.Unlock()
	if id == p.failOn {
		return fmt.Errorf("job %s failed", id)
	}
	return nil
}

func (p *countingProcessor) JobID(job interface{}) string {
	return job.(string)
}

func TestPoolProcessesAllJobs(t *testing.T) {
	processor := &countingProcessor{}
	pool := NewPool(3, processor)
	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 20; i++ {
		assert.True(t, pool.Submit(ctx, fmt.Sprintf("job-%d", i)))
	}
	pool.Stop()

	assert.Len(t, processor.processed, 20)
}

func TestPoolSurvivesFailingJobs(t *testing.T) {
	processor := &countingProcessor{failOn: "job-1"}
	pool := NewPool(2, processor)
	ctx := context.Background()
	pool.Start(ctx)

	for i := 0; i < 5; i++ {
		pool.Submit(ctx, fmt.Sprintf("job-%d", i))
	}
	pool.Stop()

	assert.Len(t, processor.processed, 5, "a failed job never stalls the pool")
}

func TestPoolSubmitAfterCancel(t *testing.T) {
	processor := &countingProcessor{}
	pool := NewPool(1, processor)
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	cancel()

	// Eventually the buffer fills and Submit observes cancellation.
	submitted := 0
	for i := 0; i < 100; i++ {
		if !pool.Submit(ctx, "late") {
			break
		}
		submitted++
	}
	assert.Less(t, submitted, 100)
}

func TestPoolClampsSize(t *testing.T) {
	pool := NewPool(0, &countingProcessor{})
	assert.Equal(t, 1, pool.size)
}
