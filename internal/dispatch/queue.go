// Package dispatch provides the serial executor that every user-visible
// callback of a realtime client runs on, plus the Future type returned by
// asynchronous operations.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/markb/sbrealtime/internal/log"
)

// ErrQueueClosed is returned by Flush once the queue has been closed.
var ErrQueueClosed = errors.New("dispatch: queue closed")

// Queue runs submitted tasks one at a time, in submission order, on a single
// worker goroutine. Enqueue never blocks; the backlog is unbounded.
type Queue struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

// NewQueue creates a queue and starts its worker.
func NewQueue() *Queue {
	q := &Queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue schedules fn. It reports false if the queue is closed, in which
// case fn is dropped.
func (q *Queue) Enqueue(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Flush waits until every task enqueued before the call has run.
// Calling Flush from a task on the same queue deadlocks until ctx expires.
func (q *Queue) Flush(ctx context.Context) error {
	marker := make(chan struct{})
	if !q.Enqueue(func() { close(marker) }) {
		return ErrQueueClosed
	}
	select {
	case <-marker:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting tasks. Tasks already queued still run; Done is
// closed once they have.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Done is closed after Close once the backlog has drained.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Pending returns the number of tasks waiting to run.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.tasks) == 0 {
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
			<-q.wake
			q.mu.Lock()
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		q.exec(task)
	}
}

// exec runs one task, isolating the worker from panics.
func (q *Queue) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch: task panicked",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}
