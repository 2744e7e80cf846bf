// Package debounce provides a rearmable single-fire timer. The streaming
// gateway arms one per stream session to detect that every client went
// idle for the configured grace period.
package debounce

import (
	"sync"
	"time"
)

// Debounce invokes fn with the most recently supplied argument once the
// timeout elapses without a rearm. After a fire it stays inert until
// Reschedule restarts it.
type Debounce[T any] struct {
	mu      sync.Mutex
	fn      func(T)
	timeout time.Duration

	timer   *time.Timer
	args    T
	hasArgs bool
	done    bool
	gen     uint64
}

// New creates a debounce that calls fn after timeout. Nothing is scheduled
// until the first UpdateArgs call.
func New[T any](timeout time.Duration, fn func(T)) *Debounce[T] {
	return &Debounce[T]{fn: fn, timeout: timeout}
}

// UpdateArgs cancels any pending fire, stores args and schedules a new
// fire. It returns false when the previous fire already completed; the
// debounce cannot be rearmed this way and the caller has to recreate it
// or use Reschedule.
func (d *Debounce[T]) UpdateArgs(args T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.done {
		return false
	}

	d.args = args
	d.hasArgs = true
	return d.schedule()
}

// Reschedule schedules another fire with the stored arguments, whether or
// not a previous fire completed. It returns false only when no arguments
// were ever supplied.
func (d *Debounce[T]) Reschedule() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.schedule()
}

// Stop cancels any pending fire. A fire that already started is not
// interrupted.
func (d *Debounce[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
}

// schedule must be called with d.mu held.
func (d *Debounce[T]) schedule() bool {
	if !d.hasArgs {
		return false
	}

	if d.timer != nil {
		d.timer.Stop()
	}

	d.done = false
	d.gen++
	gen := d.gen
	args := d.args
	d.timer = time.AfterFunc(d.timeout, func() {
		d.fire(gen, args)
	})
	return true
}

func (d *Debounce[T]) fire(gen uint64, args T) {
	d.mu.Lock()
	if gen != d.gen {
		// Superseded by a rearm that raced the timer.
		d.mu.Unlock()
		return
	}
	d.done = true
	d.mu.Unlock()

	// fn runs without the lock so it may call Reschedule.
	d.fn(args)
}
