// Package testutil provides deterministic helpers shared by package tests.
package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/clock"
)

// FakeClock is a manually advanced clock.Clock.
//
// Timers never fire on their own. Advance moves time forward and runs
// every due callback synchronously, in deadline order, on the calling
// goroutine. Callbacks may schedule further timers; those fire within the
// same Advance call if they fall due before its end.
//
// Thread-safety: all methods are safe for concurrent use. Callbacks run
// without the internal lock held.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
	// scheduled records every duration passed to AfterFunc, in call order.
	scheduled []time.Duration
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	seq      int
	f        func()
	stopped  bool
	fired    bool
}

var _ clock.Clock = (*FakeClock)(nil)

// NewFakeClock returns a fake clock starting at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the fake current time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// AfterFunc schedules f to run when the clock is advanced past d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	c.scheduled = append(c.scheduled, d)

	return t
}

// Advance moves the clock forward by d, firing due timers.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()

			return
		}

		if next.deadline.After(c.now) {
			c.now = next.deadline
		}

		next.fired = true
		c.removeLocked(next)
		c.mu.Unlock()

		next.f()
	}
}

// Scheduled returns a copy of every duration passed to AfterFunc.
func (c *FakeClock) Scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]time.Duration, len(c.scheduled))
	copy(out, c.scheduled)

	return out
}

// Pending returns the number of timers that have neither fired nor been
// stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.timers)
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.timers))

	for _, t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}

	if len(due) == 0 {
		return nil
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}

		return due[i].deadline.Before(due[j].deadline)
	})

	return due[0]
}

func (c *FakeClock) removeLocked(t *fakeTimer) {
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			return
		}
	}
}

// Stop cancels the timer.
func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.stopped || t.fired {
		return false
	}

	t.stopped = true
	t.clock.removeLocked(t)

	return true
}
