package call

import (
	"sync"

	"github.com/Sunnycharan27/loopyncapp-sub001/internal/signaling"
)

// inbox is an unbounded FIFO of inbound events for one session.
//
// Channel handlers run on the channel's read goroutine and must not block on
// a slow negotiation step, so they push here and a per-session goroutine pops.
type inbox struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool
	events   []signaling.Event
}

func newInbox() *inbox {
	q := &inbox{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// push appends ev and reports false once the inbox is closed. It never blocks.
func (q *inbox) push(ev signaling.Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.events = append(q.events, ev)
	q.notEmpty.Signal()
	return true
}

// pop blocks until an event is available or the inbox is closed. Events
// still queued at close are discarded.
func (q *inbox) pop() (signaling.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.events) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return signaling.Event{}, false
	}
	ev := q.events[0]
	q.events[0] = signaling.Event{}
	q.events = q.events[1:]
	return ev, true
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
