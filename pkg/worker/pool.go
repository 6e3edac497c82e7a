package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrPoolNotStarted = errors.New("worker pool is not started")
	ErrPoolClosed     = errors.New("worker pool is closed")
)

// Task is a unit of blocking work executed by a pool worker. The
// context provided is the one given to Do by the submitter.
type Task func(context.Context) error

type job struct {
	ctx    context.Context
	task   Task
	result chan error
}

// WorkerPool runs submitted tasks on a fixed number of workers. Tasks
// beyond the worker count queue until a worker is free, which bounds
// how much blocking work (disk I/O, subprocesses) happens at once.
type WorkerPool struct {
	mu      sync.Mutex
	label   string
	workers []Worker
	queue   chan *job
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// NewWorkerPool creates a pool with 'size' workers. A size below 1
// is treated as 1.
func NewWorkerPool(label string, size int) *WorkerPool {
	if size < 1 {
		size = 1
	}

	pool := &WorkerPool{label: label, queue: make(chan *job), done: make(chan struct{})}
	for i := 0; i < size; i++ {
		pool.workers = append(pool.workers, newWorker(fmt.Sprintf("%s-%d", label, i), pool.queue))
	}

	return pool
}

// Start spawns a goroutine for each worker in the pool. Start
// does NOT block.
func (pool *WorkerPool) Start() error {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}
	if pool.closed {
		return ErrPoolClosed
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.wg.Add(1)
		go func(w Worker) {
			defer pool.wg.Done()
			w.Start()
		}(worker)
	}

	return nil
}

// Do submits the task and blocks until it completes, returning its
// error. If the context is cancelled before a worker picks the task
// up, the task is never run and the context error is returned.
func (pool *WorkerPool) Do(ctx context.Context, task Task) error {
	pool.mu.Lock()
	if !pool.started {
		pool.mu.Unlock()
		return ErrPoolNotStarted
	}
	if pool.closed {
		pool.mu.Unlock()
		return ErrPoolClosed
	}
	pool.mu.Unlock()

	j := &job{ctx: ctx, task: task, result: make(chan error, 1)}
	select {
	case pool.queue <- j:
	case <-pool.done:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	return <-j.result
}

// Busy returns the number of workers currently executing a task.
func (pool *WorkerPool) Busy() int {
	n := 0
	for _, w := range pool.workers {
		if w.Status() == Working {
			n++
		}
	}

	return n
}

// Size returns the number of workers in the pool.
func (pool *WorkerPool) Size() int { return len(pool.workers) }

// Label returns the label the pool was created with.
func (pool *WorkerPool) Label() string { return pool.label }

// Close stops accepting work and waits for in-flight tasks
// to finish before returning.
func (pool *WorkerPool) Close() {
	pool.mu.Lock()
	if pool.closed {
		pool.mu.Unlock()
		return
	}
	pool.closed = true
	close(pool.done)
	if !pool.started {
		pool.mu.Unlock()
		return
	}
	pool.mu.Unlock()

	for _, w := range pool.workers {
		w.Close()
	}
	pool.wg.Wait()
}
