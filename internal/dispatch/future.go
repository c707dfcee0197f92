package dispatch

import (
	"context"
	"sync"
)

// Future is the completion signal of an asynchronous operation. It is
// resolved exactly once; later calls to Resolve are ignored.
type Future struct {
	q *Queue

	mu        sync.Mutex
	resolved  bool
	err       error
	callbacks []func(error)
	done      chan struct{}
}

// NewFuture returns an unresolved future whose Then callbacks run on q.
func (q *Queue) NewFuture() *Future {
	return &Future{q: q, done: make(chan struct{})}
}

// Resolved returns a future that has already completed with err.
func (q *Queue) Resolved(err error) *Future {
	f := q.NewFuture()
	f.Resolve(err)
	return f
}

// Resolve completes the future. It reports whether this call was the one
// that resolved it.
func (f *Future) Resolve(err error) bool {
	f.mu.Lock()
	if f.resolved {
		f.mu.Unlock()
		return false
	}
	f.resolved = true
	f.err = err
	cbs := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range cbs {
		f.schedule(cb, err)
	}
	return true
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the result, or nil while the future is pending.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// IsResolved reports whether the future has completed.
func (f *Future) IsResolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Then registers fn to run with the result on the future's queue. If the
// future has already resolved, fn is scheduled immediately.
func (f *Future) Then(fn func(error)) *Future {
	f.mu.Lock()
	if !f.resolved {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return f
	}
	err := f.err
	f.mu.Unlock()
	f.schedule(fn, err)
	return f
}

// Forward resolves other with this future's result once it completes.
func (f *Future) Forward(other *Future) {
	f.Then(func(err error) { other.Resolve(err) })
}

func (f *Future) schedule(fn func(error), err error) {
	if f.q == nil || !f.q.Enqueue(func() { fn(err) }) {
		// Queue gone: still honour the callback contract.
		go fn(err)
	}
}
