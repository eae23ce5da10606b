// Package worker provides the dedicated sequential execution context owned by
// each open connection. Every store-touching operation of a connection is
// funneled through its worker, so no two writers ever race on the same
// backing mapping and cache mutations stay linearizable with store mutations.
package worker

import (
	"errors"
	"sync"
	"time"

	"flowbase/internal/metrics"
	"flowbase/pkg/domain"
)

// ErrStopped is returned when work is handed to a worker that has shut down.
var ErrStopped = errors.New("worker is stopped")

// Task is one unit of work executed on the worker goroutine.
type Task func()

type request struct {
	op   string
	task Task
	done chan struct{}
}

// Worker serializes tasks onto one goroutine. Exec blocks the caller until
// the task ran, so interactive callers can read generated ids immediately
// after the call returns; Submit is fire-and-forget for background callers.
// Within one worker, execution order equals submission order.
type Worker struct {
	name     string
	requests chan request
	stop     chan struct{}
	stopped  sync.WaitGroup
	mu       sync.RWMutex
	stopping bool
	logger   domain.Logger
	metrics  *metrics.Metrics
}

// Option configures a worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger domain.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// New starts a worker named after its connection.
func New(name string, opts ...Option) *Worker {
	w := &Worker{
		name:     name,
		requests: make(chan request, 64),
		stop:     make(chan struct{}),
		logger:   domain.NopLogger{},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.stopped.Add(1)
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer w.stopped.Done()
	for {
		select {
		case req := <-w.requests:
			w.run(req)
		case <-w.stop:
			// Everything enqueued before Stop still runs; nothing new can
			// arrive once the stopping flag is set.
			for {
				select {
				case req := <-w.requests:
					w.run(req)
				default:
					return
				}
			}
		}
	}
}

func (w *Worker) run(req request) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker task panicked", "connection", w.name, "op", req.op, "panic", r)
		}
		w.metrics.ObserveOp(w.name, req.op, started)
		w.metrics.SetQueueDepth(w.name, len(w.requests))
		if req.done != nil {
			close(req.done)
		}
	}()
	req.task()
}

func (w *Worker) enqueue(req request) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopping {
		return ErrStopped
	}
	w.requests <- req
	w.metrics.SetQueueDepth(w.name, len(w.requests))
	return nil
}

// Exec runs the task on the worker goroutine and blocks until it completed.
// There is deliberately no timeout: a hung store call blocks the caller, and
// callers accept that risk rather than guessing an arbitrary bound.
func (w *Worker) Exec(op string, task Task) error {
	done := make(chan struct{})
	if err := w.enqueue(request{op: op, task: task, done: done}); err != nil {
		return err
	}
	<-done
	return nil
}

// Submit queues the task without waiting for completion. Ordering relative to
// other tasks of this worker is still submission order.
func (w *Worker) Submit(op string, task Task) error {
	return w.enqueue(request{op: op, task: task})
}

// Stop shuts the worker down after draining accepted tasks. Safe to call more
// than once; it blocks until the goroutine exited, so no in-flight command
// outlives the connection.
func (w *Worker) Stop() {
	w.mu.Lock()
	already := w.stopping
	w.stopping = true
	w.mu.Unlock()
	if !already {
		close(w.stop)
	}
	w.stopped.Wait()
}
