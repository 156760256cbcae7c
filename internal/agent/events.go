// Package agent wires the session store, provider registry, event queue and
// router, and the per-source managers into a single core engine that the IPC
// server drives — this is the daemon's in-process brain, per spec.md §4.
package agent

import (
	"sync"

	"github.com/authbrokerd/authbrokerd/internal/connid"
	"github.com/authbrokerd/authbrokerd/internal/session"
)

// DefaultHistoryLimit is the event queue's default capacity before it starts
// dropping the oldest event on enqueue.
const DefaultHistoryLimit = 256

// ConnID is the opaque connection handle events are routed to.
type ConnID = connid.ID

// SendFunc delivers one event to one connection. The IPC layer supplies this;
// the queue/router never touch a socket directly.
type SendFunc func(ConnID, session.Event)

// Queue is a bounded FIFO of events plus a waiter list for long-polling
// `next` requests, per spec.md §3/§4.5. Drop-oldest-on-full; waiters drain
// FIFO, one event per waiter per call to DrainToWaiters.
type Queue struct {
	mu       sync.Mutex
	capacity int
	events   []session.Event
	waiters  []ConnID
}

// NewQueue creates an empty event queue with the given capacity. A
// non-positive capacity falls back to DefaultHistoryLimit.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultHistoryLimit
	}
	return &Queue{capacity: capacity}
}

// Enqueue appends event, dropping the oldest entry if the queue is already
// at capacity.
func (q *Queue) Enqueue(event session.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	if len(q.events) > q.capacity {
		q.events = q.events[len(q.events)-q.capacity:]
	}
}

// TakeNext pops the oldest event, if any.
func (q *Queue) TakeNext() (session.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return session.Event{}, false
	}
	ev := q.events[0]
	q.events = q.events[1:]
	return ev, true
}

// SubscribeNext registers conn as a waiter for the next event.
func (q *Queue) SubscribeNext(conn ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiters = append(q.waiters, conn)
}

// RemoveWaiter drops conn from the waiter list, if present — called on
// disconnect so a dead connection never receives a delayed send.
func (q *Queue) RemoveWaiter(conn ConnID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.waiters[:0]
	for _, w := range q.waiters {
		if w != conn {
			out = append(out, w)
		}
	}
	q.waiters = out
}

// DrainToWaiters pairs queued events with waiting connections in FIFO order,
// one event per waiter per call, invoking send for each pairing.
func (q *Queue) DrainToWaiters(send SendFunc) {
	for {
		q.mu.Lock()
		if len(q.waiters) == 0 || len(q.events) == 0 {
			q.mu.Unlock()
			return
		}
		conn := q.waiters[0]
		q.waiters = q.waiters[1:]
		ev := q.events[0]
		q.events = q.events[1:]
		q.mu.Unlock()

		send(conn, ev)
	}
}

// IsEmpty reports whether the queue currently holds no events.
func (q *Queue) IsEmpty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events) == 0
}

// Router steers events to either the active provider (session-scoped events)
// or every subscriber (everything else), then enqueues and drains waiters —
// in that order, within one call, per spec.md §4.5 and
// original_source/EventRouter.cpp::route().
type Router struct {
	hasActiveProvider func() (ConnID, bool)
	queue             *Queue
}

// NewRouter builds a router over queue, consulting activeProvider to decide
// session-event steering.
func NewRouter(queue *Queue, activeProvider func() (ConnID, bool)) *Router {
	return &Router{hasActiveProvider: activeProvider, queue: queue}
}

// isSessionEvent reports whether an event type is steered to the active
// provider rather than broadcast, mirroring
// original_source/EventRouter.cpp::isSessionEventForProviderRouting.
func isSessionEvent(eventType string) bool {
	return len(eventType) >= len("session.") && eventType[:len("session.")] == "session."
}

// Route delivers event to the active provider (if it is session-scoped and
// one is elected) or to every connection in subscribers, then enqueues the
// event and drains any blocked `next` waiters.
func (r *Router) Route(event session.Event, subscribers []ConnID, send SendFunc) {
	if isSessionEvent(event.Type) {
		if conn, ok := r.hasActiveProvider(); ok {
			send(conn, event)
			r.queue.Enqueue(event)
			r.queue.DrainToWaiters(send)
			return
		}
	}

	for _, conn := range subscribers {
		send(conn, event)
	}

	r.queue.Enqueue(event)
	r.queue.DrainToWaiters(send)
}
