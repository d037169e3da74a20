package notify

import "sync"

// RetryQueue is a bounded FIFO of intents awaiting retry.
type RetryQueue struct {
	mu       sync.Mutex
	items    []*Intent
	capacity int
}

// NewRetryQueue creates a queue holding at most capacity intents.
func NewRetryQueue(capacity int) *RetryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &RetryQueue{capacity: capacity}
}

// Push appends in, or returns ErrQueueFull.
func (q *RetryQueue) Push(in *Intent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return ErrQueueFull
	}
	q.items = append(q.items, in)
	return nil
}

// PopBatch atomically removes and returns up to n intents in FIFO order.
func (q *RetryQueue) PopBatch(n int) []*Intent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]*Intent, n)
	copy(batch, q.items[:n])
	clear(q.items[:n])
	q.items = q.items[n:]
	return batch
}

// Len returns the number of queued intents.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the queue capacity.
func (q *RetryQueue) Cap() int {
	return q.capacity
}
