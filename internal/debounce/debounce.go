// Package debounce coalesces bursts of requests into a single trailing
// call.
package debounce

import (
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/clock"
)

// Debouncer runs fn once, wait after the last Trigger in a burst. At most
// one fn call is in flight: a timer that fires while fn is still running
// marks the debouncer dirty and fn runs exactly once more after it
// returns.
type Debouncer struct {
	clock clock.Clock
	wait  time.Duration
	fn    func()

	mu      sync.Mutex
	timer   clock.Timer
	running bool
	dirty   bool
	stopped bool
}

// New creates a Debouncer.
func New(c clock.Clock, wait time.Duration, fn func()) *Debouncer {
	return &Debouncer{clock: c, wait: wait, fn: fn}
}

// Trigger (re)starts the trailing timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = d.clock.AfterFunc(d.wait, d.fire)
}

// Pending reports whether a trailing call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.timer != nil
}

// Stop cancels any scheduled call. Later Triggers are ignored. A call
// already running is not interrupted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	d.timer = nil

	if d.stopped {
		d.mu.Unlock()
		return
	}

	if d.running {
		d.dirty = true
		d.mu.Unlock()

		return
	}

	d.running = true
	d.mu.Unlock()

	for {
		d.fn()

		d.mu.Lock()
		if !d.dirty || d.stopped {
			d.running = false
			d.dirty = false
			d.mu.Unlock()

			return
		}

		d.dirty = false
		d.mu.Unlock()
	}
}
