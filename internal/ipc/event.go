package ipc

import (
	"sync"

	"github.com/mithrel/conduit/pkg/api"
)

// EventType enumerates what a connection handler can be called with.
type EventType int

const (
	EventMessage EventType = iota + 1
	EventInterrupted
	EventInvalid
	EventTerminationImminent
)

func (t EventType) String() string {
	switch t {
	case EventMessage:
		return "message"
	case EventInterrupted:
		return "interrupted"
	case EventInvalid:
		return "invalid"
	case EventTerminationImminent:
		return "termination-imminent"
	default:
		return "unknown"
	}
}

// Event is delivered to a connection's Handler. Message is set for
// EventMessage only.
type Event struct {
	Type    EventType
	Message *api.Message
}

// Handler receives the events of one connection, one at a time and in arrival
// order.
type Handler func(c *Conn, ev Event)

// eventQueue is an unbounded FIFO with a single consumer. After finish no
// further events are accepted.
type eventQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Event
	closed bool
}

func newEventQueue() *eventQueue {
	q := &eventQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *eventQueue) push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

// finish appends the final event and closes the queue. With drop set, queued
// messages that were not delivered yet are discarded.
func (q *eventQueue) finish(last Event, drop bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if drop {
		kept := q.items[:0]
		for _, ev := range q.items {
			if ev.Type != EventMessage {
				kept = append(kept, ev)
			}
		}
		q.items = kept
	}
	q.items = append(q.items, last)
	q.closed = true
	q.cond.Signal()
}

// pop blocks until an event is available. ok is false once the queue is
// closed and drained.
func (q *eventQueue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Event{}, false
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return ev, true
}
