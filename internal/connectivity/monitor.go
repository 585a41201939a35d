// Package connectivity tracks whether the server is reachable and whether
// the client is in the foreground, and publishes transitions.
package connectivity

import (
	"sync"
	"time"

	"github.com/alexjbarnes/list-sync/internal/bus"
	"github.com/alexjbarnes/list-sync/internal/clock"
)

// Transition is a connectivity or visibility change.
type Transition int

const (
	WentOnline Transition = iota
	WentOffline
	// Foreground means the client regained attention: visibility
	// returned, the host woke from suspend, or a wake was requested.
	Foreground
	Background
)

func (t Transition) String() string {
	switch t {
	case WentOnline:
		return "online"
	case WentOffline:
		return "offline"
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	}

	return "unknown"
}

// Event is published once per transition.
type Event struct {
	Transition Transition
	At         time.Time
}

// Monitor holds the current online and visibility state. Repeated reports
// of the same state are collapsed: exactly one WentOnline is published
// between two WentOffline events and vice versa.
type Monitor struct {
	clock  clock.Clock
	events *bus.Topic[Event]

	mu      sync.RWMutex
	online  bool
	visible bool
}

// NewMonitor creates a Monitor with the given initial online state. The
// client starts visible.
func NewMonitor(c clock.Clock, online bool) *Monitor {
	return &Monitor{
		clock:   c,
		events:  bus.NewTopic[Event](),
		online:  online,
		visible: true,
	}
}

// Events is the topic transitions are published on.
func (m *Monitor) Events() *bus.Topic[Event] { return m.events }

// Online reports the current online state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.online
}

// Visible reports whether the client is in the foreground.
func (m *Monitor) Visible() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.visible
}

// SetOnline records a reachability report. It returns true if the report
// changed the state and an event was published.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}

	m.online = online
	m.mu.Unlock()

	t := WentOffline
	if online {
		t = WentOnline
	}

	m.events.Publish(Event{Transition: t, At: m.clock.Now()})

	return true
}

// SetVisible records a visibility change. Becoming visible publishes
// Foreground, losing visibility publishes Background. Repeats are ignored.
func (m *Monitor) SetVisible(visible bool) bool {
	m.mu.Lock()
	if m.visible == visible {
		m.mu.Unlock()
		return false
	}

	m.visible = visible
	m.mu.Unlock()

	t := Background
	if visible {
		t = Foreground
	}

	m.events.Publish(Event{Transition: t, At: m.clock.Now()})

	return true
}

// Wake publishes Foreground without a visibility change, for explicit
// wake requests and resume from suspend.
func (m *Monitor) Wake() {
	m.mu.Lock()
	m.visible = true
	m.mu.Unlock()

	m.events.Publish(Event{Transition: Foreground, At: m.clock.Now()})
}

// Close stops delivering events.
func (m *Monitor) Close() {
	m.events.Close()
}
