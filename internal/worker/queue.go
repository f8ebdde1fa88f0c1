package worker

import "sync"

// actionQueue is an unbounded FIFO. Push never blocks; ready is signalled
// (coalesced) whenever the queue becomes non-empty.
type actionQueue struct {
	mu     sync.Mutex
	items  []Action
	closed bool
	ready  chan struct{}
}

func newActionQueue() *actionQueue {
	return &actionQueue{ready: make(chan struct{}, 1)}
}

func (q *actionQueue) push(a Action) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, a)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *actionQueue) pop() (Action, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Action{}, false
	}
	a := q.items[0]
	q.items[0] = Action{}
	q.items = q.items[1:]
	return a, true
}

func (q *actionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *actionQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
