// Package workq runs deferred work on a single FIFO goroutine.
//
// All connection-lifecycle logic executes on a Queue, one item at a time.
// Radio, timer and input callbacks arrive on their own goroutines and post
// work here instead of touching controller state directly.
package workq

import (
	"context"
	"sync"
	"time"
)

// Queue is a FIFO of work items drained by a single goroutine.
type Queue struct {
	clock Clock

	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

// New creates a Queue whose delayed items are timed by clock.
// A nil clock uses the wall clock.
func New(clock Clock) *Queue {
	if clock == nil {
		clock = RealClock
	}
	return &Queue{
		clock: clock,
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the clock used for delayed items.
func (q *Queue) Clock() Clock {
	return q.clock
}

// Submit appends fn to the queue. Safe to call from any goroutine.
func (q *Queue) Submit(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	fn := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return fn, true
}

// Run drains the queue until ctx is cancelled. It blocks; run it in a
// goroutine. Run and RunPending must not be used on the same Queue at once.
func (q *Queue) Run(ctx context.Context) error {
	for {
		for {
			fn, ok := q.pop()
			if !ok {
				break
			}
			fn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

// RunPending executes queued work on the calling goroutine until the queue
// is empty, including work submitted by the items themselves. It returns
// the number of items executed.
func (q *Queue) RunPending() int {
	n := 0
	for {
		fn, ok := q.pop()
		if !ok {
			return n
		}
		fn()
		n++
	}
}

// Delayed is a work item that runs on its Queue after a delay.
// At most one deadline is armed at a time.
type Delayed struct {
	q  *Queue
	fn func()

	mu       sync.Mutex
	timer    Timer
	gen      uint64
	pending  bool
	deadline time.Time
}

// NewDelayed creates a delayed work item that runs fn on q.
func (q *Queue) NewDelayed(fn func()) *Delayed {
	return &Delayed{q: q, fn: fn}
}

// Reschedule arms the item to run after delay, replacing any pending
// deadline. Safe to call from interrupt-like contexts (input and timer
// callbacks): it only touches the item's own lock and the clock.
func (d *Delayed) Reschedule(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.arm(delay)
}

// arm must be called with mu held.
func (d *Delayed) arm(delay time.Duration) {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.pending = true
	d.deadline = d.q.clock.Now().Add(delay)
	d.timer = d.q.clock.AfterFunc(delay, func() { d.fire(gen) })
}

// fire runs on the clock's goroutine and only enqueues.
func (d *Delayed) fire(gen uint64) {
	d.q.Submit(func() {
		d.mu.Lock()
		if gen != d.gen || !d.pending {
			// Cancelled or rescheduled after the timer fired.
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.timer = nil
		d.mu.Unlock()

		d.fn()
	})
}

// Cancel disarms the item. A run that has already been enqueued but not
// yet executed is dropped. It reports whether the item was pending.
func (d *Delayed) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	was := d.pending
	d.gen++
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	return was
}

// Pending reports whether the item is armed or enqueued.
func (d *Delayed) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Deadline returns the time the pending run is due, and false when
// nothing is pending.
func (d *Delayed) Deadline() (time.Time, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline, d.pending
}
