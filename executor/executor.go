// Package executor runs named long-lived tasks (accept loops) on a fixed set
// of worker goroutines.
package executor

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/user/nearby-connections/logger"
)

type task struct {
	name string
	fn   func()
}

// MultiThread is a fixed-size worker pool with an unbounded FIFO queue.
// Tasks submitted while every worker is busy wait until one frees up.
type MultiThread struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []task
	running  int
	shutdown bool
	wg       sync.WaitGroup
}

// New starts workers goroutines. workers < 1 is treated as 1.
func New(workers int) *MultiThread {
	if workers < 1 {
		workers = 1
	}
	e := &MultiThread{}
	e.cond = sync.NewCond(&e.mu)
	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.worker()
	}
	return e
}

// Execute queues fn. Returns false once Shutdown has been called.
func (e *MultiThread) Execute(name string, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		logger.Warn("executor", "rejected task %q after shutdown", name)
		return false
	}
	e.queue = append(e.queue, task{name: name, fn: fn})
	e.cond.Signal()
	return true
}

// Shutdown stops accepting work and blocks until every queued and running
// task has returned. Idempotent.
func (e *MultiThread) Shutdown() {
	e.mu.Lock()
	e.shutdown = true
	e.cond.Broadcast()
	e.mu.Unlock()
	e.wg.Wait()
}

// Running is the number of tasks currently executing.
func (e *MultiThread) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Pending is the number of tasks waiting for a worker.
func (e *MultiThread) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *MultiThread) worker() {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.shutdown {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		t := e.queue[0]
		e.queue[0] = task{}
		e.queue = e.queue[1:]
		e.running++
		e.mu.Unlock()

		e.run(t)

		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}
}

func (e *MultiThread) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("executor", "task %q panicked: %v\n%s", t.name, fmt.Sprint(r), debug.Stack())
		}
	}()
	logger.Trace("executor", "running %q", t.name)
	t.fn()
}
