// Package bus provides typed publish/subscribe topics. Each event kind in
// the daemon (connectivity transitions, live notifications) gets its own
// Topic, and each handler is an explicit subscriber registered at startup
// and removed at shutdown.
package bus

import "sync"

// subscriberBuffer is the per-subscriber channel capacity. Publish blocks
// once a subscriber falls this far behind.
const subscriberBuffer = 64

// Topic fans out events of type T to its subscribers. Every subscriber
// receives events in publish order on its own goroutine, one at a time,
// so a handler runs to completion before it sees the next event.
type Topic[T any] struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	ch   chan T
	done chan struct{}
}

// NewTopic creates an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe registers fn and returns a function that unregisters it.
// Unsubscribing waits for any in-flight call to fn to return. Events
// still buffered for the subscriber are dropped.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	sub := &subscriber[T]{
		ch:   make(chan T, subscriberBuffer),
		done: make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = sub
	t.mu.Unlock()

	go func() {
		defer close(sub.done)

		for ev := range sub.ch {
			fn(ev)
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			t.mu.Lock()
			if _, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub.ch)
			}
			t.mu.Unlock()
			<-sub.done
		})
	}
}

// Publish delivers ev to every current subscriber. It is a no-op after
// Close.
func (t *Topic[T]) Publish(ev T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return
	}

	for _, sub := range t.subs {
		sub.ch <- ev
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.subs)
}

// Close unregisters all subscribers and waits for their handlers to drain
// buffered events.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}

	t.closed = true
	subs := t.subs
	t.subs = make(map[int]*subscriber[T])

	for _, sub := range subs {
		close(sub.ch)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		<-sub.done
	}
}
