package chat

import "sync"

// Queue is a bounded single-consumer buffer of retarget events. When full,
// Push discards the oldest pending event; only the newest intent matters.
type Queue struct {
	mu      sync.Mutex
	items   []Retarget
	size    int
	dropped uint64
	ready   chan struct{}
}

// NewQueue returns a queue holding at most size events (minimum 1).
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{size: size, ready: make(chan struct{}, 1)}
}

// Push appends r and reports whether an older event was dropped to make room.
// It never blocks.
func (q *Queue) Push(r Retarget) (dropped bool) {
	q.mu.Lock()
	if len(q.items) == q.size {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, r)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Ready is signalled after a Push. One signal may cover several events, so
// the consumer should Pop until empty.
func (q *Queue) Ready() <-chan struct{} { return q.ready }

// Pop removes the oldest pending event.
func (q *Queue) Pop() (Retarget, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Retarget{}, false
	}
	r := q.items[0]
	q.items = q.items[1:]
	return r, true
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events were discarded on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
