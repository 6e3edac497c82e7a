package worker

import (
	"fmt"
	"sync/atomic"

	"github.com/koochoy97/leaf-microservice/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type WorkerStatus int32

const (
	Sleeping WorkerStatus = iota
	Working
	Finished
)

func (status WorkerStatus) String() string {
	switch status {
	case Sleeping:
		return fmt.Sprintf("SLEEPING[%d]", status)
	case Working:
		return fmt.Sprintf("WORKING[%d]", status)
	case Finished:
		return fmt.Sprintf("FINISHED[%d]", status)
	}

	return fmt.Sprintf("UNKNOWN[%d]", status)
}

type Worker interface {
	Start()
	Status() WorkerStatus
	Label() string
	Close()
}

type taskWorker struct {
	label         string
	queue         <-chan *job
	closeChan     chan struct{}
	currentStatus atomic.Int32
}

func newWorker(label string, queue <-chan *job) *taskWorker {
	return &taskWorker{label: label, queue: queue, closeChan: make(chan struct{})}
}

// Start runs the worker loop, sleeping until a job arrives on the
// pool queue. Returns once Close is called.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.VERBOSE, "Starting worker %s\n", worker.label)
	for {
		worker.setStatus(Sleeping)
		select {
		case j := <-worker.queue:
			worker.setStatus(Working)
			j.result <- worker.execute(j)
		case <-worker.closeChan:
			worker.setStatus(Finished)
			workerLogger.Emit(logger.VERBOSE, "Worker %s has stopped\n", worker.label)
			return
		}
	}
}

// execute runs the job, converting a panic in to an error so that a
// single misbehaving task cannot take down the worker.
func (worker *taskWorker) execute(j *job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			workerLogger.Emit(logger.ERROR, "Worker %s recovered from panic: %v\n", worker.label, r)
			err = fmt.Errorf("worker %s: task panicked: %v", worker.label, r)
		}
	}()

	if err := j.ctx.Err(); err != nil {
		return err
	}

	return j.task(j.ctx)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// Close signals the worker to exit once its current task (if any)
// has finished.
func (worker *taskWorker) Close() {
	close(worker.closeChan)
}
