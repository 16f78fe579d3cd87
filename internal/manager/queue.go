package manager

import (
	"sync"
	"time"

	"github.com/sawpanic/cryptorun/internal/marketdata"
)

// queueItem is the unit carried on the ingress queue (SPEC_FULL §3's "Queue
// item": {record, source, enqueuedAt}).
type queueItem struct {
	rec        *marketdata.MarketData
	source     string
	enqueuedAt time.Time
}

// ingressQueue is a bounded, mutex-guarded FIFO with drop-oldest eviction
// under saturation. A bare Go channel cannot express drop-oldest semantics
// without a second goroutine racing the evictor, so this is a plain slice
// behind a mutex instead (SPEC_FULL §5).
type ingressQueue struct {
	mu      sync.Mutex
	items   []queueItem
	maxSize int
}

func newIngressQueue(maxSize int) *ingressQueue {
	return &ingressQueue{maxSize: maxSize}
}

// push appends item, evicting the oldest entry if the queue is at capacity.
// Reports the evicted item, if any.
func (q *ingressQueue) push(item queueItem) (dropped queueItem, evicted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize && q.maxSize > 0 {
		dropped = q.items[0]
		q.items = q.items[1:]
		evicted = true
	}
	q.items = append(q.items, item)
	return dropped, evicted
}

// len returns the current queue depth.
func (q *ingressQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// popUpTo removes and returns up to n items from the front of the queue.
func (q *ingressQueue) popUpTo(n int) []queueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := append([]queueItem(nil), q.items[:n]...)
	q.items = q.items[n:]
	return out
}
