package worker

import (
	"sync"
	"time"
)

type taskState int

const (
	stateIdle taskState = iota
	stateScheduled
	stateQueued
	stateRunning
)

// Task is a reusable unit of work on a Pool.
//
// At most one execution of a task is in flight at any time. Scheduling a
// task that is already waiting restarts its delay; scheduling a running
// task queues exactly one more execution after the current one.
type Task struct {
	pool *Pool
	fn   func()

	mu    sync.Mutex
	cond  *sync.Cond
	state taskState
	timer *time.Timer
	// gen invalidates timers that were stopped too late to be cancelled
	gen uint64
	// rerun requests another execution once the running one completes
	rerun      bool
	rerunDelay time.Duration
}

// Schedule runs the task after delay.
func (t *Task) Schedule(delay time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateIdle, stateScheduled:
		t.armLocked(delay)
	case stateQueued:
		// Already waiting for a worker; the run will observe current state.
	case stateRunning:
		t.rerun = true
		t.rerunDelay = delay
	}
}

// Cancel drops a pending execution. It reports whether one was dropped; a
// running execution is not interrupted.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case stateScheduled, stateQueued:
		t.disarmLocked()
		t.state = stateIdle
		t.cond.Broadcast()
		return true
	case stateRunning:
		t.rerun = false
	}
	return false
}

// WaitFinished blocks until no execution of the task is pending or running.
// A pending execution that has not started yet runs on the calling
// goroutine.
func (t *Task) WaitFinished() {
	t.mu.Lock()

	for t.state == stateRunning {
		t.cond.Wait()
	}

	if t.state == stateScheduled || t.state == stateQueued {
		t.disarmLocked()
		t.state = stateRunning
		t.mu.Unlock()
		t.execute()
		return
	}

	t.mu.Unlock()
}

// IsFinished reports whether the task is idle.
func (t *Task) IsFinished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == stateIdle
}

func (t *Task) armLocked(delay time.Duration) {
	t.disarmLocked()
	t.state = stateScheduled
	gen := t.gen
	t.timer = time.AfterFunc(delay, func() { t.fire(gen) })
}

func (t *Task) disarmLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.gen++
}

func (t *Task) fire(gen uint64) {
	t.mu.Lock()
	if t.state != stateScheduled || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.state = stateQueued
	t.mu.Unlock()

	if err := t.pool.Post(t.runQueued); err != nil {
		// Pool is gone; run here so pending work is not lost.
		t.runQueued()
	}
}

func (t *Task) runQueued() {
	t.mu.Lock()
	if t.state != stateQueued {
		t.mu.Unlock()
		return
	}
	t.state = stateRunning
	t.mu.Unlock()

	t.execute()
}

// execute runs fn with the task in stateRunning and settles the next state.
func (t *Task) execute() {
	defer func() {
		t.mu.Lock()
		t.state = stateIdle
		if t.rerun {
			t.rerun = false
			t.armLocked(t.rerunDelay)
		}
		t.cond.Broadcast()
		t.mu.Unlock()
	}()

	t.pool.safeRun(t.fn)
}
