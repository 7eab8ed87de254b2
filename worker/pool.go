// Package worker provides the generic worker pool the multiprocess
// distributor uses to run several task commands concurrently.
package worker

import (
	"context"
	"sync"

	"github.com/ihmeuw-scicomp/jobmon/common"
)

// Processor handles one job.
type Processor interface {
	// Process runs the job to completion. Errors are logged, not retried;
	// retry semantics live in the server's state machine.
	Process(ctx context.Context, job interface{}) error
	// JobID identifies the job in logs.
	JobID(job interface{}) string
}

// Pool fans jobs out to a fixed number of workers.
type Pool struct {
	size      int
	processor Processor
	jobs      chan interface{}
	wg        sync.WaitGroup
}

// NewPool sizes the pool. A size below one is clamped to one.
func NewPool(size int, processor Processor) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		size:      size,
		processor: processor,
		jobs:      make(chan interface{}, size*2),
	}
}

// Start launches the workers. They exit when the context is cancelled or
// Stop closes the job channel.
func (p *Pool) Start(ctx context.Context) {
	common.Logger.WithField("workers", p.size).Info("starting worker pool")
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Submit enqueues one job, blocking when every worker is busy and the
// buffer is full. Returns false once the context is cancelled.
func (p *Pool) Submit(ctx context.Context, job interface{}) bool {
	select {
	case p.jobs <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

// Stop closes intake and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	close(p.jobs)
	p.wg.Wait()
	common.Logger.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := common.Logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			if err := p.processor.Process(ctx, job); err != nil {
				logger.WithError(err).WithField("job", p.processor.JobID(job)).Error("job processing failed")
			}
		}
	}
}
