package pool

import (
	"context"
	"sync"
)

// WorkerPool runs submitted tasks on their own goroutines while holding at
// most maxWorkers of them in flight. A pool built with maxWorkers <= 0 does
// not limit fan-out.
type WorkerPool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

func NewWorkerPool(maxWorkers int) *WorkerPool {
	p := &WorkerPool{}
	if maxWorkers > 0 {
		p.sem = make(chan struct{}, maxWorkers)
	}
	return p
}

// Submit schedules run. If ctx ends before a slot frees up, abort is called
// with the context error instead and run never starts. Exactly one of the
// two is called.
func (p *WorkerPool) Submit(ctx context.Context, run func(context.Context), abort func(error)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if p.sem == nil {
			run(ctx)
			return
		}

		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			abort(ctx.Err())
			return
		}

		// a slot and cancellation can be ready together
		if err := ctx.Err(); err != nil {
			abort(err)
			return
		}
		run(ctx)
	}()
}

// Wait blocks until every submitted task has run or been aborted.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}
