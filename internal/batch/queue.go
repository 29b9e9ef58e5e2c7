package batch

import (
	"sync"

	"analysis-coordinator/internal/domain"
)

// Queue is the process-wide intake queue for deferred analysis. It lives in
// memory only; anything still queued when the process dies is lost.
type Queue struct {
	mu    sync.Mutex
	items []domain.QueuedItem
}

func NewQueue() *Queue {
	return &Queue{}
}

// Push appends an item and returns the new queue length.
func (q *Queue) Push(item domain.QueuedItem) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, item)
	return len(q.items)
}

// PopN removes and returns up to n items from the front, oldest first.
func (q *Queue) PopN(n int) []domain.QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	n = min(n, len(q.items))
	out := make([]domain.QueuedItem, n)
	copy(out, q.items[:n])
	q.items = append(q.items[:0:0], q.items[n:]...)
	return out
}

// PushFront puts items back at the head of the queue in their original order.
func (q *Queue) PushFront(items []domain.QueuedItem) {
	if len(items) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	merged := make([]domain.QueuedItem, 0, len(items)+len(q.items))
	merged = append(merged, items...)
	q.items = append(merged, q.items...)
}

// Len is the number of items waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
