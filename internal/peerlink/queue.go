package peerlink

import "sync"

// DefaultPendingCap bounds the reliable pending queue. Overflow drops the
// oldest message and counts the drop; callers watch Stats for it.
const DefaultPendingCap = 256

// pendingQueue holds reliable messages accepted before the channel opened.
// FIFO, bounded, drop-oldest on overflow.
type pendingQueue struct {
	mu      sync.Mutex
	items   [][]byte
	cap     int
	dropped uint64
}

func newPendingQueue(capacity int) *pendingQueue {
	if capacity <= 0 {
		capacity = DefaultPendingCap
	}
	return &pendingQueue{cap: capacity}
}

// push appends a message, evicting the oldest when full. Returns true when a
// message was dropped.
func (q *pendingQueue) push(b []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := false
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
		q.dropped++
		evicted = true
	}
	q.items = append(q.items, b)
	return evicted
}

// requeueFront puts messages back at the head of the queue, keeping their
// order ahead of anything pushed meanwhile. The bound still holds: overflow
// evicts from the front, oldest first.
func (q *pendingQueue) requeueFront(items [][]byte) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(append([][]byte(nil), items...), q.items...)
	for len(q.items) > q.cap {
		q.items = q.items[1:]
		q.dropped++
	}
}

// drain removes and returns every queued message in original order.
func (q *pendingQueue) drain() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *pendingQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *pendingQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
