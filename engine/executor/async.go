package executor

import (
	"context"
	"errors"
	"sync"

	"github.com/inference-sim/inference-engine/engine"
)

// ErrClosed is returned by AsyncExecutor.Execute after Close.
var ErrClosed = errors.New("executor closed")

type call struct {
	ctx   context.Context
	batch *engine.Batch
	done  chan result
}

type result struct {
	res *engine.ExecutorResult
	err error
}

// AsyncExecutor runs an inner executor on a dedicated worker goroutine.
// Calls are handed over a channel, so at most one pass is in flight.
type AsyncExecutor struct {
	inner engine.ModelExecutor
	calls chan call
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// NewAsyncExecutor starts the worker. Close stops it.
func NewAsyncExecutor(inner engine.ModelExecutor) *AsyncExecutor {
	a := &AsyncExecutor{
		inner: inner,
		calls: make(chan call),
		quit:  make(chan struct{}),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncExecutor) run() {
	defer a.wg.Done()
	for {
		select {
		case c := <-a.calls:
			res, err := a.inner.Execute(c.ctx, c.batch)
			c.done <- result{res: res, err: err}
		case <-a.quit:
			return
		}
	}
}

// Execute hands batch to the worker and waits for its result or ctx.
func (a *AsyncExecutor) Execute(ctx context.Context, batch *engine.Batch) (*engine.ExecutorResult, error) {
	c := call{ctx: ctx, batch: batch, done: make(chan result, 1)}
	select {
	case a.calls <- c:
	case <-a.quit:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-c.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the worker after any in-flight pass. Safe to call more than once.
func (a *AsyncExecutor) Close() {
	a.once.Do(func() { close(a.quit) })
	a.wg.Wait()
}
