// Package workqueue runs fire-and-forget tasks on a fixed pool of workers fed by a bounded queue.
package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("workqueue: closed")

// Task is one unit of work. The context is the queue's base context and is cancelled on Close timeout.
type Task func(ctx context.Context) error

type job struct {
	name string
	fn   Task
}

// Queue is a bounded task queue. Submit never blocks.
type Queue struct {
	log  *zap.Logger
	ch   chan job
	wg   sync.WaitGroup
	ctx  context.Context
	stop context.CancelFunc

	mu     sync.RWMutex
	closed bool

	rejected atomic.Int64
	failed   atomic.Int64
	done     atomic.Int64
}

// New starts workers goroutines reading from a queue of the given size.
func New(workers, size int, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	if size < 0 {
		size = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{log: log, ch: make(chan job, size), ctx: ctx, stop: cancel}
	q.wg.Add(workers)
	for range workers {
		go q.worker()
	}
	return q
}

// Submit enqueues fn. It reports false when the queue is full or closed.
func (q *Queue) Submit(name string, fn Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.rejected.Add(1)
		return false
	}
	select {
	case q.ch <- job{name: name, fn: fn}:
		return true
	default:
		n := q.rejected.Add(1)
		q.log.Warn("work queue full, task rejected", zap.String("task", name), zap.Int64("rejected_total", n))
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for j := range q.ch {
		q.run(j)
	}
}

func (q *Queue) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.log.Error("task panic", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()
	if err := j.fn(q.ctx); err != nil {
		q.failed.Add(1)
		q.log.Warn("task failed", zap.String("task", j.name), zap.Error(err))
		return
	}
	q.done.Add(1)
}

// Close stops accepting tasks and waits for queued ones to finish.
// When ctx ends first, running tasks see their context cancelled and ctx.Err is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		q.stop()
		return nil
	case <-ctx.Done():
		q.stop()
		<-drained
		return fmt.Errorf("workqueue: drain: %w", ctx.Err())
	}
}

// Stats is a snapshot of task counters.
type Stats struct {
	Done, Failed, Rejected int64
	Pending                int
}

func (q *Queue) Stats() Stats {
	return Stats{
		Done:     q.done.Load(),
		Failed:   q.failed.Load(),
		Rejected: q.rejected.Load(),
		Pending:  len(q.ch),
	}
}
