// Package worker provides the shared background pool that runs preference
// flushes and project lookups.
//
// Pool implements a fixed set of goroutines draining a bounded task queue.
// Task wraps a function that can be scheduled with a delay, rescheduled to
// debounce bursts, cancelled, and waited for.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/conneroisu/prefstore/internal/errors"
	"github.com/conneroisu/prefstore/internal/logging"
)

const defaultQueueSize = 256

// ErrPoolClosed is returned by Post after Shutdown.
var ErrPoolClosed = errors.NewStateError("ERR_POOL_CLOSED", "worker pool is shut down")

// Pool runs posted functions on a fixed number of goroutines.
type Pool struct {
	// tasks buffers work waiting for a free worker
	tasks chan func()
	// workerWg tracks running worker goroutines
	workerWg sync.WaitGroup
	// closed rejects new work once Shutdown started
	closed bool
	// mu guards closed and sends on tasks
	mu     sync.RWMutex
	logger logging.Logger
}

// NewPool starts a pool with the given number of workers.
func NewPool(workers int, logger logging.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	p := &Pool{
		tasks:  make(chan func(), defaultQueueSize),
		logger: logger.WithComponent("worker"),
	}

	for i := 0; i < workers; i++ {
		p.workerWg.Add(1)
		go p.worker()
	}

	return p
}

// Post queues fn for execution. It blocks while the queue is full.
func (p *Pool) Post(fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	p.tasks <- fn
	return nil
}

// Create returns an idle task bound to this pool.
func (p *Pool) Create(fn func()) *Task {
	t := &Task{pool: p, fn: fn}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Shutdown stops accepting work and waits for queued work to drain or ctx
// to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.workerWg.Done()

	for fn := range p.tasks {
		p.safeRun(fn)
	}
}

// safeRun keeps a panicking task from taking down the worker.
func (p *Pool) safeRun(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(context.Background(), fmt.Errorf("panic: %v", r), "Task panicked")
		}
	}()
	fn()
}
