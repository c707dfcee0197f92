// Package emitter implements the listener registry used by channels,
// presence and connections to deliver events.
package emitter

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/markb/sbrealtime/internal/dispatch"
	"github.com/markb/sbrealtime/internal/log"
)

// Listener is the handle returned by On and Once. It is used to remove the
// registration with Off.
type Listener[E comparable, T any] struct {
	events  []E // empty matches every event
	fn      func(E, T)
	once    bool
	removed atomic.Bool
}

func (l *Listener[E, T]) matches(event E) bool {
	return len(l.events) == 0 || slices.Contains(l.events, event)
}

// Emitter delivers events to listeners in registration order. Each Emit is
// one delivery cycle; cycles run on the serial queue in submission order and
// a cycle always completes before the next one starts.
type Emitter[E comparable, T any] struct {
	q    *dispatch.Queue
	name string

	mu        sync.Mutex
	listeners []*Listener[E, T]
}

// New creates an emitter whose cycles run on q. name only labels log output.
func New[E comparable, T any](q *dispatch.Queue, name string) *Emitter[E, T] {
	return &Emitter[E, T]{q: q, name: name}
}

// On registers fn for the given events, or for every event if none are given.
func (e *Emitter[E, T]) On(fn func(T), events ...E) *Listener[E, T] {
	return e.add(func(_ E, v T) { fn(v) }, false, events)
}

// OnEvent is like On but the listener also receives the event name.
func (e *Emitter[E, T]) OnEvent(fn func(E, T), events ...E) *Listener[E, T] {
	return e.add(fn, false, events)
}

// Once registers fn to fire at most once.
func (e *Emitter[E, T]) Once(fn func(T), events ...E) *Listener[E, T] {
	return e.add(func(_ E, v T) { fn(v) }, true, events)
}

func (e *Emitter[E, T]) add(fn func(E, T), once bool, events []E) *Listener[E, T] {
	l := &Listener[E, T]{
		events: slices.Clone(events),
		fn:     fn,
		once:   once,
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
	return l
}

// Off removes l. Removing a nil or unknown listener is a no-op.
func (e *Emitter[E, T]) Off(l *Listener[E, T]) {
	if l == nil {
		return
	}
	l.removed.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = slices.DeleteFunc(e.listeners, func(x *Listener[E, T]) bool {
		return x == l
	})
}

// OffAll removes every listener.
func (e *Emitter[E, T]) OffAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, l := range e.listeners {
		l.removed.Store(true)
	}
	e.listeners = nil
}

// Len returns the number of registered listeners.
func (e *Emitter[E, T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Emit schedules a delivery cycle for event. Listeners are matched when Emit
// is called; a listener removed before its turn in the cycle is skipped.
func (e *Emitter[E, T]) Emit(event E, payload T) {
	targets := e.snapshot(event)
	if len(targets) == 0 {
		return
	}
	e.q.Enqueue(func() {
		for _, l := range targets {
			e.deliver(l, event, payload)
		}
	})
}

// Flush waits for every cycle emitted so far to finish.
func (e *Emitter[E, T]) Flush(ctx context.Context) error {
	return e.q.Flush(ctx)
}

func (e *Emitter[E, T]) snapshot(event E) []*Listener[E, T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*Listener[E, T]
	for _, l := range e.listeners {
		if l.matches(event) {
			out = append(out, l)
		}
	}
	return out
}

func (e *Emitter[E, T]) deliver(l *Listener[E, T], event E, payload T) {
	if l.once {
		if !l.removed.CompareAndSwap(false, true) {
			return
		}
		e.Off(l)
	} else if l.removed.Load() {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Warn("emitter: listener panicked",
				"emitter", e.name,
				"event", fmt.Sprint(event),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	l.fn(event, payload)
}
