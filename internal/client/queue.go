package client

import (
	"sync"

	"circle/internal/models"
)

// queueItem carries either an event or a state transition.
type queueItem struct {
	event models.RoomEvent
	state models.ConnectionState
}

// eventQueue is unbounded so that the read loop never blocks on a slow
// handler, and a handler may call back into the manager.
type eventQueue struct {
	mu     sync.Mutex
	items  []queueItem
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(item queueItem) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until items are available. After close it drains what is left
// and then reports false.
func (q *eventQueue) pop() ([]queueItem, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			items := q.items
			q.items = nil
			q.mu.Unlock()
			return items, true
		}
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		q.mu.Unlock()
		<-q.signal
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}
