// Package tracker remembers which mutations this client performed in the
// last moment, so the echo of a local change arriving over the live channel
// does not cause a redundant refresh.
//
// Marks are keyed by (notification kind, entity id). An entity id of zero
// on either side matches any entity of that kind, which keeps notifications
// that carry no id suppressible.
package tracker

import (
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/clock"
)

const (
	// DefaultWindow is how long after a local mark a matching notification
	// is treated as an echo.
	DefaultWindow = time.Second

	// expiryGrace is added to the window before a mark is swept.
	expiryGrace = 100 * time.Millisecond
)

type key struct {
	kind string
	id   int64
}

type mark struct {
	at    time.Time
	timer clock.Timer
}

// Tracker records local marks. Safe for concurrent use.
type Tracker struct {
	clock  clock.Clock
	window time.Duration

	mu    sync.Mutex
	marks map[key]*mark
}

// New creates a Tracker. A non-positive window uses DefaultWindow.
func New(c clock.Clock, window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}

	return &Tracker{
		clock:  c,
		window: window,
		marks:  make(map[key]*mark),
	}
}

// Window returns the suppression window.
func (t *Tracker) Window() time.Duration { return t.window }

// Mark records that kind was just performed locally on entity id and
// schedules the mark to expire after the window plus a short grace.
// Marking the same key again restarts its expiry.
func (t *Tracker) Mark(kind string, id int64) {
	k := key{kind: kind, id: id}
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.marks[k]; ok {
		old.timer.Stop()
	}

	m := &mark{at: now}
	m.timer = t.clock.AfterFunc(t.window+expiryGrace, func() {
		t.expire(k, m)
	})
	t.marks[k] = m
}

func (t *Tracker) expire(k key, m *mark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.marks[k] == m {
		delete(t.marks, k)
	}
}

// IsLocal reports whether a notification of kind about entity id should
// be treated as the echo of a local action.
func (t *Tracker) IsLocal(kind string, id int64) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if id != 0 {
		if t.fresh(t.marks[key{kind: kind, id: id}], now) {
			return true
		}

		return t.fresh(t.marks[key{kind: kind}], now)
	}

	for k, m := range t.marks {
		if k.kind == kind && t.fresh(m, now) {
			return true
		}
	}

	return false
}

func (t *Tracker) fresh(m *mark, now time.Time) bool {
	return m != nil && now.Sub(m.at) < t.window
}

// Len returns the number of marks not yet swept.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.marks)
}

// Reset drops every mark and stops their expiry timers.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, m := range t.marks {
		m.timer.Stop()
		delete(t.marks, k)
	}
}
